package handlers

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStatusShowsCurrentTarget(t *testing.T) {
	h, store, transport := newTestHandler()
	store.seedVerifiedUser(testUserID, "alice")
	h.session.Set(testUserID)

	h.HandleUpdate(commandUpdate(testAdminID, "/status"))

	require.True(t, transport.containsText(testAdminID, "Current conversation target"))
	require.True(t, transport.containsText(testAdminID, "alice"))
}

func TestStatusWithoutTarget(t *testing.T) {
	h, _, transport := newTestHandler()

	h.HandleUpdate(commandUpdate(testAdminID, "/status"))

	require.True(t, transport.containsText(testAdminID, "No conversation target"))
}

func TestStatusOnTransientFailureKeepsTarget(t *testing.T) {
	h, store, transport := newTestHandler()
	store.seedVerifiedUser(testUserID, "alice")
	h.session.Set(testUserID)
	store.failGetUser(errors.New("connection reset"))

	h.HandleUpdate(commandUpdate(testAdminID, "/status"))

	require.True(t, transport.containsText(testAdminID, "Try again"))
	require.False(t, transport.containsText(testAdminID, "No conversation target"),
		"a store hiccup is not the absence of a target")
	require.EqualValues(t, testUserID, h.session.Target(), "the target survives the failed check")
}

func TestStatusWithClearedTarget(t *testing.T) {
	h, store, transport := newTestHandler()
	store.seedVerifiedUser(testUserID, "alice")
	h.session.Set(testUserID)
	require.NoError(t, store.SetBlocked(context.Background(), testUserID, "test"))

	h.HandleUpdate(commandUpdate(testAdminID, "/status"))

	require.True(t, transport.containsText(testAdminID, "No conversation target"))
	require.EqualValues(t, 0, h.session.Target(), "a banned target is dropped on the status check")
}
