// ABOUTME: Tests for the session manager
// ABOUTME: Covers resolution, hydration, ordering, idempotent close and write-through failures

package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/triage-gateway/internal/store"
)

func newTestManager(t *testing.T) (*Manager, *store.MockStore) {
	t.Helper()
	repo := store.NewMockStore()
	return NewManager(repo, nil), repo
}

func TestGetOrCreate_CreatesWhenNoID(t *testing.T) {
	m, repo := newTestManager(t)

	conv, created, err := m.GetOrCreate(t.Context(), "user-1", "")
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEmpty(t, conv.ID)
	require.NotNil(t, conv.UserID)
	assert.Equal(t, "user-1", *conv.UserID)
	assert.Nil(t, conv.EndedAt)
	assert.False(t, conv.Escalated)

	stored, err := repo.GetConversation(t.Context(), conv.ID)
	require.NoError(t, err)
	assert.Equal(t, conv.ID, stored.ID)
}

func TestGetOrCreate_AnonymousUser(t *testing.T) {
	m, _ := newTestManager(t)

	conv, _, err := m.GetOrCreate(t.Context(), "", "")
	require.NoError(t, err)
	assert.Nil(t, conv.UserID)
}

func TestGetOrCreate_ResolvesExisting(t *testing.T) {
	m, _ := newTestManager(t)

	first, _, err := m.GetOrCreate(t.Context(), "user-1", "")
	require.NoError(t, err)

	again, created, err := m.GetOrCreate(t.Context(), "someone-else", first.ID)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, "user-1", *again.UserID, "existing conversation returned unchanged")
}

func TestGetOrCreate_UnknownIDStartsFresh(t *testing.T) {
	m, _ := newTestManager(t)

	conv, created, err := m.GetOrCreate(t.Context(), "user-1", "does-not-exist")
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, "does-not-exist", conv.ID)
}

func TestGetOrCreate_HydratesFromRepository(t *testing.T) {
	repo := store.NewMockStore()
	ctx := t.Context()

	require.NoError(t, repo.CreateConversation(ctx, &store.Conversation{ID: "conv-old", StartedAt: time.Now()}))
	require.NoError(t, repo.SaveMessage(ctx, &store.Message{ID: "m1", ConversationID: "conv-old", Content: "hi", Sender: store.SenderUser, Timestamp: time.Now()}))
	require.NoError(t, repo.SaveMessage(ctx, &store.Message{ID: "m2", ConversationID: "conv-old", Content: "Hello!", Sender: store.SenderBot, Timestamp: time.Now()}))

	m := NewManager(repo, nil)
	conv, created, err := m.GetOrCreate(ctx, "", "conv-old")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "conv-old", conv.ID)

	history, err := m.History(ctx, "conv-old")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "m1", history[0].ID)
	assert.Equal(t, "m2", history[1].ID)

	// Hydrated messages can be classified
	require.NoError(t, m.UpdateMessageClassification(ctx, "m1", "greet", 0.9))
}

func TestGetOrCreate_RepositoryFailureLeavesNothing(t *testing.T) {
	m, repo := newTestManager(t)
	repo.FailWrites(errors.New("db down"))

	_, _, err := m.GetOrCreate(t.Context(), "user-1", "")
	require.Error(t, err)
	assert.Equal(t, 0, m.Active())
}

func TestAppendMessage_PreservesOrder(t *testing.T) {
	m, repo := newTestManager(t)
	ctx := t.Context()

	conv, _, err := m.GetOrCreate(ctx, "", "")
	require.NoError(t, err)

	for i := range 10 {
		sender := store.SenderUser
		if i%2 == 1 {
			sender = store.SenderBot
		}
		_, err := m.AppendMessage(ctx, conv.ID, fmt.Sprintf("msg %d", i), sender, nil, nil)
		require.NoError(t, err)
	}

	history, err := m.History(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, history, 10)
	for i, msg := range history {
		assert.Equal(t, fmt.Sprintf("msg %d", i), msg.Content)
	}

	stored, err := repo.ListMessages(ctx, conv.ID, 100)
	require.NoError(t, err)
	require.Len(t, stored, 10)
	for i := range stored {
		assert.Equal(t, history[i].ID, stored[i].ID)
	}
}

func TestAppendMessage_UnknownConversation(t *testing.T) {
	m, _ := newTestManager(t)

	_, err := m.AppendMessage(t.Context(), "nope", "hi", store.SenderUser, nil, nil)
	assert.ErrorIs(t, err, ErrConversationNotFound)
}

func TestAppendMessage_InvalidSender(t *testing.T) {
	m, _ := newTestManager(t)
	conv, _, err := m.GetOrCreate(t.Context(), "", "")
	require.NoError(t, err)

	_, err = m.AppendMessage(t.Context(), conv.ID, "hi", store.Sender("robot"), nil, nil)
	assert.Error(t, err)
}

func TestAppendMessage_FailedWriteLeavesNoPartialState(t *testing.T) {
	m, repo := newTestManager(t)
	ctx := t.Context()
	conv, _, err := m.GetOrCreate(ctx, "", "")
	require.NoError(t, err)

	repo.FailWrites(errors.New("db down"))
	_, err = m.AppendMessage(ctx, conv.ID, "hi", store.SenderUser, nil, nil)
	require.Error(t, err)

	history, err := m.History(ctx, conv.ID)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestAppendMessage_ReturnsCopy(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := t.Context()
	conv, _, err := m.GetOrCreate(ctx, "", "")
	require.NoError(t, err)

	msg, err := m.AppendMessage(ctx, conv.ID, "hi", store.SenderUser, nil, nil)
	require.NoError(t, err)
	msg.Content = "tampered"

	history, err := m.History(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "hi", history[0].Content)
}

func TestUpdateMessageClassification(t *testing.T) {
	m, repo := newTestManager(t)
	ctx := t.Context()
	conv, _, err := m.GetOrCreate(ctx, "", "")
	require.NoError(t, err)

	msg, err := m.AppendMessage(ctx, conv.ID, "where is order 456789", store.SenderUser, nil, nil)
	require.NoError(t, err)
	assert.Nil(t, msg.Intent)

	require.NoError(t, m.UpdateMessageClassification(ctx, msg.ID, "track_order", 0.92))

	history, err := m.History(ctx, conv.ID)
	require.NoError(t, err)
	require.NotNil(t, history[0].Intent)
	assert.Equal(t, "track_order", *history[0].Intent)
	assert.Equal(t, 0.92, *history[0].Confidence)

	stored, err := repo.ListMessages(ctx, conv.ID, 10)
	require.NoError(t, err)
	assert.Equal(t, "track_order", *stored[0].Intent)
}

func TestUpdateMessageClassification_Stale(t *testing.T) {
	m, _ := newTestManager(t)

	err := m.UpdateMessageClassification(t.Context(), "missing", "greet", 1)
	assert.ErrorIs(t, err, ErrMessageNotFound)
}

func TestUpdateMessageClassification_FailedWriteLeavesMessageUnclassified(t *testing.T) {
	m, repo := newTestManager(t)
	ctx := t.Context()
	conv, _, err := m.GetOrCreate(ctx, "", "")
	require.NoError(t, err)
	msg, err := m.AppendMessage(ctx, conv.ID, "hi", store.SenderUser, nil, nil)
	require.NoError(t, err)

	repo.FailWrites(errors.New("db down"))
	require.Error(t, m.UpdateMessageClassification(ctx, msg.ID, "greet", 0.9))

	history, err := m.History(ctx, conv.ID)
	require.NoError(t, err)
	assert.Nil(t, history[0].Intent)
	assert.Nil(t, history[0].Confidence)
}

func TestClose_Idempotent(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := t.Context()
	conv, _, err := m.GetOrCreate(ctx, "", "")
	require.NoError(t, err)

	first, err := m.Close(ctx, conv.ID)
	require.NoError(t, err)
	require.NotNil(t, first.EndedAt)

	second, err := m.Close(ctx, conv.ID)
	require.NoError(t, err)
	require.NotNil(t, second.EndedAt)
	assert.True(t, first.EndedAt.Equal(*second.EndedAt), "second close must not move the end time")
}

func TestClose_Unknown(t *testing.T) {
	m, _ := newTestManager(t)

	_, err := m.Close(t.Context(), "missing")
	assert.ErrorIs(t, err, ErrConversationNotFound)
}

func TestClose_FailedWriteKeepsConversationOpen(t *testing.T) {
	m, repo := newTestManager(t)
	ctx := t.Context()
	conv, _, err := m.GetOrCreate(ctx, "", "")
	require.NoError(t, err)

	repo.FailWrites(errors.New("db down"))
	_, err = m.Close(ctx, conv.ID)
	require.Error(t, err)

	got, err := m.Get(ctx, conv.ID)
	require.NoError(t, err)
	assert.Nil(t, got.EndedAt)
}

func TestEvict_DropsClosedConversation(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := t.Context()
	conv, _, err := m.GetOrCreate(ctx, "user-1", "")
	require.NoError(t, err)
	msg, err := m.AppendMessage(ctx, conv.ID, "bye", store.SenderUser, nil, nil)
	require.NoError(t, err)

	assert.False(t, m.Evict(conv.ID), "open conversations stay resident")
	assert.Equal(t, 1, m.Active())

	_, err = m.Close(ctx, conv.ID)
	require.NoError(t, err)
	require.True(t, m.Evict(conv.ID))
	assert.Equal(t, 0, m.Active())
	assert.Empty(t, m.messageIndex)
	assert.False(t, m.Evict(conv.ID), "nothing left to evict")

	// The repository still has it
	got, err := m.Get(ctx, conv.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.EndedAt)
	history, err := m.History(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, msg.ID, history[0].ID)
	require.NoError(t, m.UpdateMessageClassification(ctx, msg.ID, "goodbye", 0.9))
}

func TestEvict_WaitsForLastConnection(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := t.Context()
	conv, _, err := m.GetOrCreate(ctx, "", "")
	require.NoError(t, err)

	conn := newFakeConn("c1")
	m.Connections().Register(conv.ID, conn)
	_, err = m.Close(ctx, conv.ID)
	require.NoError(t, err)

	assert.False(t, m.Evict(conv.ID))
	assert.Equal(t, 1, m.Active())

	assert.Equal(t, 0, m.Connections().Unregister(conv.ID, conn.ID()))
	assert.True(t, m.Evict(conv.ID))
	assert.Equal(t, 0, m.Active())
}

func TestEvict_WaitsForTurnInProgress(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := t.Context()
	conv, _, err := m.GetOrCreate(ctx, "", "")
	require.NoError(t, err)
	_, err = m.Close(ctx, conv.ID)
	require.NoError(t, err)

	unlock := m.Lock(conv.ID)
	evicted := make(chan bool, 1)
	go func() { evicted <- m.Evict(conv.ID) }()

	select {
	case <-evicted:
		t.Fatal("Evict must wait for the turn lock")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, 1, m.Active())

	unlock()
	select {
	case ok := <-evicted:
		assert.True(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("Evict did not finish after unlock")
	}
	assert.Equal(t, 0, m.Active())
}

func TestMarkEscalated_Monotonic(t *testing.T) {
	m, repo := newTestManager(t)
	ctx := t.Context()
	conv, _, err := m.GetOrCreate(ctx, "", "")
	require.NoError(t, err)

	require.NoError(t, m.MarkEscalated(ctx, conv.ID))
	require.NoError(t, m.MarkEscalated(ctx, conv.ID))

	got, err := m.Get(ctx, conv.ID)
	require.NoError(t, err)
	assert.True(t, got.Escalated)

	stored, err := repo.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.True(t, stored.Escalated)

	// Closing keeps the flag
	closed, err := m.Close(ctx, conv.ID)
	require.NoError(t, err)
	assert.True(t, closed.Escalated)
}

func TestLock_SerializesSameConversation(t *testing.T) {
	m, _ := newTestManager(t)

	var (
		inside  int
		maxSeen int
		mu      sync.Mutex
		wg      sync.WaitGroup
	)
	for range 20 {
		wg.Go(func() {
			unlock := m.Lock("conv-1")
			defer unlock()

			mu.Lock()
			inside++
			if inside > maxSeen {
				maxSeen = inside
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			inside--
			mu.Unlock()
		})
	}
	wg.Wait()

	assert.Equal(t, 1, maxSeen)
	assert.Equal(t, 0, m.turns.size(), "idle conversations hold no lock objects")
}

func TestLock_DifferentConversationsDoNotBlock(t *testing.T) {
	m, _ := newTestManager(t)

	unlockA := m.Lock("conv-a")
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlockB := m.Lock("conv-b")
		unlockB()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on a different conversation blocked")
	}
}

func TestLock_DoubleUnlockIsSafe(t *testing.T) {
	m, _ := newTestManager(t)

	unlock := m.Lock("conv-1")
	unlock()
	unlock()

	// Lock must still be acquirable
	unlock = m.Lock("conv-1")
	unlock()
	assert.Equal(t, 0, m.turns.size())
}

func TestConcurrentAppendsAcrossConversations(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	ids := make([]string, 5)
	for i := range ids {
		conv, _, err := m.GetOrCreate(ctx, "", "")
		require.NoError(t, err)
		ids[i] = conv.ID
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Go(func() {
			for j := range 20 {
				unlock := m.Lock(id)
				_, err := m.AppendMessage(ctx, id, fmt.Sprintf("%d", j), store.SenderUser, nil, nil)
				unlock()
				assert.NoError(t, err)
			}
		})
	}
	wg.Wait()

	for _, id := range ids {
		history, err := m.History(ctx, id)
		require.NoError(t, err)
		require.Len(t, history, 20)
		for j, msg := range history {
			assert.Equal(t, fmt.Sprintf("%d", j), msg.Content)
		}
	}
}
