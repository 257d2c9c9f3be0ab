// Package intent defines the closed set of routing intents and the classifier
// contract.
//
// Classifier adapters decode their backend's answer into Raw and pass it
// through Validate, which is the only way to obtain a Result. Unknown labels
// collapse into Fallback, so the dispatch switch downstream is exhaustive over
// All().
package intent
