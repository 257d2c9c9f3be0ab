// Package classifier provides intent.Classifier adapters.
//
//   - Keyword: phrase rules, no external dependency
//   - HTTP: a model server answering {intent, confidence, entities}
//   - OpenAI: an OpenAI-compatible chat completion endpoint in JSON mode
//
// Every adapter passes its backend's answer through intent.Validate, so
// callers only ever see known intents and confidences in [0,1]. Transport and
// decoding failures wrap intent.ErrClassifierUnavailable.
package classifier
