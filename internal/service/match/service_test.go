package match

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"heartline/internal/domain"
	apperrors "heartline/pkg/errors"
	"heartline/pkg/metrics"
	"heartline/pkg/protocol"
)

// MockSender is a mock implementation of Sender
type MockSender struct {
	mock.Mock
}

func (m *MockSender) Send(userID string, message any) error {
	args := m.Called(userID, message)
	return args.Error(0)
}

// sentOfType counts delivered messages of type T, optionally to one user
func sentOfType[T any](m *MockSender, userID string) []T {
	var out []T
	for _, call := range m.Calls {
		if call.Method != "Send" {
			continue
		}
		if userID != "" && call.Arguments.String(0) != userID {
			continue
		}
		if msg, ok := call.Arguments.Get(1).(T); ok {
			out = append(out, msg)
		}
	}
	return out
}

// MockStarter is a mock implementation of Starter
type MockStarter struct {
	mock.Mock
}

func (m *MockStarter) Start(ctx context.Context, seeker, responder domain.Identity) (*domain.Session, error) {
	args := m.Called(ctx, seeker, responder)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Session), args.Error(1)
}

func (m *MockStarter) ActiveOf(userID string) (*domain.Session, bool) {
	args := m.Called(userID)
	if args.Get(0) == nil {
		return nil, args.Bool(1)
	}
	return args.Get(0).(*domain.Session), args.Bool(1)
}

func newTestService(sender *MockSender, starter *MockStarter) *Service {
	return NewService(sender, starter, nil, metrics.NewForTest())
}

func seekerIdentity(id string) domain.Identity {
	return domain.Identity{ID: id, Role: domain.RoleSeeker, DisplayName: "Seeker " + id}
}

func responderIdentity(id string) domain.Identity {
	return domain.Identity{ID: id, Role: domain.RoleResponder, DisplayName: "Responder " + id}
}

// TestAnnounceWaiting_NoResponders tests that a seeker with nobody available
// gets a queued acknowledgement instead of silence
func TestAnnounceWaiting_NoResponders(t *testing.T) {
	mockSender := new(MockSender)
	mockStarter := new(MockStarter)
	service := newTestService(mockSender, mockStarter)

	mockSender.On("Send", "seeker-1", mock.AnythingOfType("*protocol.SeekerQueued")).Return(nil)
	mockStarter.On("ActiveOf", "seeker-1").Return(nil, false)

	// Execute
	service.AnnounceWaiting(context.Background(), seekerIdentity("seeker-1"), domain.RequestChat, "need to talk")

	// Assert
	mockSender.AssertExpectations(t)
	waiting, available := service.Counts()
	assert.Equal(t, 1, waiting)
	assert.Equal(t, 0, available)
}

// TestAnnounceWaiting_BroadcastToPool tests fan-out to every available responder
func TestAnnounceWaiting_BroadcastToPool(t *testing.T) {
	mockSender := new(MockSender)
	mockStarter := new(MockStarter)
	service := newTestService(mockSender, mockStarter)

	mockSender.On("Send", mock.Anything, mock.Anything).Return(nil)
	mockStarter.On("ActiveOf", mock.Anything).Return(nil, false)

	service.AnnounceAvailable(context.Background(), responderIdentity("resp-1"))
	service.AnnounceAvailable(context.Background(), responderIdentity("resp-2"))

	// Execute
	service.AnnounceWaiting(context.Background(), seekerIdentity("seeker-1"), domain.RequestVoice, "")

	// Assert
	assert.Len(t, sentOfType[*protocol.SeekerIncoming](mockSender, "resp-1"), 1)
	assert.Len(t, sentOfType[*protocol.SeekerIncoming](mockSender, "resp-2"), 1)
	assert.Empty(t, sentOfType[*protocol.SeekerQueued](mockSender, "seeker-1"))
}

// TestAnnounceWaiting_AlreadyMatched tests that a seeker with a live session
// cannot re-enter the queue and get matched a second time
func TestAnnounceWaiting_AlreadyMatched(t *testing.T) {
	mockSender := new(MockSender)
	mockStarter := new(MockStarter)
	service := newTestService(mockSender, mockStarter)

	mockSender.On("Send", mock.Anything, mock.Anything).Return(nil)
	sess := &domain.Session{SessionID: "sess-1", SeekerID: "seeker-1", ResponderID: "resp-1", State: domain.SessionActive}
	mockStarter.On("ActiveOf", "seeker-1").Return(sess, true)

	service.AnnounceAvailable(context.Background(), responderIdentity("resp-2"))

	// Execute
	service.AnnounceWaiting(context.Background(), seekerIdentity("seeker-1"), domain.RequestChat, "")

	// Assert: no queue entry, no card shown, conflict pushed to the seeker
	waiting, _ := service.Counts()
	assert.Equal(t, 0, waiting)
	assert.Empty(t, sentOfType[*protocol.SeekerIncoming](mockSender, "resp-2"))
	errs := sentOfType[*protocol.Error](mockSender, "seeker-1")
	assert.Len(t, errs, 1)
	assert.Equal(t, string(apperrors.ErrCodeConflict), errs[0].Code)

	// A claim for the phantom entry resolves as already claimed
	service.Claim(context.Background(), "seeker-1", responderIdentity("resp-2"))
	mockStarter.AssertNotCalled(t, "Start")
}

// TestAnnounceWaiting_ReannounceSupersedes tests that a repeat announcement
// replaces the prior entry rather than queueing a duplicate
func TestAnnounceWaiting_ReannounceSupersedes(t *testing.T) {
	mockSender := new(MockSender)
	mockStarter := new(MockStarter)
	service := newTestService(mockSender, mockStarter)

	mockSender.On("Send", mock.Anything, mock.Anything).Return(nil)
	mockStarter.On("ActiveOf", mock.Anything).Return(nil, false)

	service.AnnounceWaiting(context.Background(), seekerIdentity("seeker-1"), domain.RequestChat, "first")
	service.AnnounceWaiting(context.Background(), seekerIdentity("seeker-1"), domain.RequestVoice, "second")

	waiting, _ := service.Counts()
	assert.Equal(t, 1, waiting)
}

// TestAnnounceAvailable_ReplaysBacklog tests that a responder who goes
// available after seekers queued still sees every waiting entry
func TestAnnounceAvailable_ReplaysBacklog(t *testing.T) {
	mockSender := new(MockSender)
	mockStarter := new(MockStarter)
	service := newTestService(mockSender, mockStarter)

	mockSender.On("Send", mock.Anything, mock.Anything).Return(nil)
	mockStarter.On("ActiveOf", mock.Anything).Return(nil, false)

	service.AnnounceWaiting(context.Background(), seekerIdentity("seeker-1"), domain.RequestChat, "")
	service.AnnounceWaiting(context.Background(), seekerIdentity("seeker-2"), domain.RequestEmotional, "")

	// Execute
	service.AnnounceAvailable(context.Background(), responderIdentity("resp-late"))

	// Assert
	replayed := sentOfType[*protocol.SeekerIncoming](mockSender, "resp-late")
	assert.Len(t, replayed, 2)
	seen := map[string]bool{}
	for _, msg := range replayed {
		seen[msg.SeekerID] = true
	}
	assert.True(t, seen["seeker-1"])
	assert.True(t, seen["seeker-2"])
}

// TestClaim_Wins tests the happy path: entry consumed, session started, both
// members notified once, remaining pool told the card is gone
func TestClaim_Wins(t *testing.T) {
	mockSender := new(MockSender)
	mockStarter := new(MockStarter)
	service := newTestService(mockSender, mockStarter)

	mockSender.On("Send", mock.Anything, mock.Anything).Return(nil)
	mockStarter.On("ActiveOf", mock.Anything).Return(nil, false)

	sess := &domain.Session{
		SessionID:   "sess-1",
		SeekerID:    "seeker-1",
		ResponderID: "resp-1",
		State:       domain.SessionActive,
		CreatedAt:   time.Now(),
	}
	mockStarter.On("Start", mock.Anything, mock.Anything, mock.Anything).Return(sess, nil)

	service.AnnounceWaiting(context.Background(), seekerIdentity("seeker-1"), domain.RequestChat, "")
	service.AnnounceAvailable(context.Background(), responderIdentity("resp-1"))
	service.AnnounceAvailable(context.Background(), responderIdentity("resp-2"))

	// Execute
	service.Claim(context.Background(), "seeker-1", responderIdentity("resp-1"))

	// Assert
	mockStarter.AssertNumberOfCalls(t, "Start", 1)
	assert.Len(t, sentOfType[*protocol.SessionStarted](mockSender, "seeker-1"), 1)
	assert.Len(t, sentOfType[*protocol.SessionStarted](mockSender, "resp-1"), 1)
	assert.Len(t, sentOfType[*protocol.RequestClaimed](mockSender, "resp-2"), 1)

	waiting, available := service.Counts()
	assert.Equal(t, 0, waiting)
	assert.Equal(t, 1, available) // resp-2 stays in the pool
}

// TestClaim_NotWaiting tests claiming a seeker who is not (or no longer)
// waiting: claimed-by-someone-else outcome, never an error, no session
func TestClaim_NotWaiting(t *testing.T) {
	mockSender := new(MockSender)
	mockStarter := new(MockStarter)
	service := newTestService(mockSender, mockStarter)

	mockSender.On("Send", "resp-1", mock.AnythingOfType("*protocol.RequestClaimed")).Return(nil)

	// Execute
	service.Claim(context.Background(), "seeker-missing", responderIdentity("resp-1"))

	// Assert
	mockSender.AssertExpectations(t)
	mockStarter.AssertNotCalled(t, "Start")
}

// TestClaim_ConcurrentSingleWinner tests the race: many responders claim the
// same seeker at once and exactly one session is created
func TestClaim_ConcurrentSingleWinner(t *testing.T) {
	mockSender := new(MockSender)
	mockStarter := new(MockStarter)
	service := newTestService(mockSender, mockStarter)

	mockSender.On("Send", mock.Anything, mock.Anything).Return(nil)
	mockStarter.On("ActiveOf", mock.Anything).Return(nil, false)

	sess := &domain.Session{
		SessionID:   "sess-1",
		SeekerID:    "seeker-1",
		ResponderID: "winner",
		State:       domain.SessionActive,
		CreatedAt:   time.Now(),
	}
	mockStarter.On("Start", mock.Anything, mock.Anything, mock.Anything).Return(sess, nil)

	service.AnnounceWaiting(context.Background(), seekerIdentity("seeker-1"), domain.RequestChat, "")

	responders := []string{"resp-1", "resp-2", "resp-3", "resp-4", "resp-5"}
	for _, id := range responders {
		service.AnnounceAvailable(context.Background(), responderIdentity(id))
	}

	// Execute
	var wg sync.WaitGroup
	for _, id := range responders {
		wg.Add(1)
		go func(responderID string) {
			defer wg.Done()
			service.Claim(context.Background(), "seeker-1", responderIdentity(responderID))
		}(id)
	}
	wg.Wait()

	// Assert
	mockStarter.AssertNumberOfCalls(t, "Start", 1)
	assert.Len(t, sentOfType[*protocol.SessionStarted](mockSender, "seeker-1"), 1)

	waiting, _ := service.Counts()
	assert.Equal(t, 0, waiting)
}

// TestClaim_StartFailureReverts tests that a failed session start puts the
// seeker back in the queue and the responder back in the pool
func TestClaim_StartFailureReverts(t *testing.T) {
	mockSender := new(MockSender)
	mockStarter := new(MockStarter)
	service := newTestService(mockSender, mockStarter)

	mockSender.On("Send", mock.Anything, mock.Anything).Return(nil)
	mockStarter.On("ActiveOf", mock.Anything).Return(nil, false)
	mockStarter.On("Start", mock.Anything, mock.Anything, mock.Anything).Return(nil, assert.AnError)

	service.AnnounceWaiting(context.Background(), seekerIdentity("seeker-1"), domain.RequestChat, "")
	service.AnnounceAvailable(context.Background(), responderIdentity("resp-1"))

	// Execute
	service.Claim(context.Background(), "seeker-1", responderIdentity("resp-1"))

	// Assert
	waiting, available := service.Counts()
	assert.Equal(t, 1, waiting)
	assert.Equal(t, 1, available)
	assert.Len(t, sentOfType[*protocol.Error](mockSender, "resp-1"), 1)
	assert.Empty(t, sentOfType[*protocol.SessionStarted](mockSender, ""))
}

// TestCancelWaiting tests withdrawal, including the double-cancel no-op
func TestCancelWaiting(t *testing.T) {
	mockSender := new(MockSender)
	mockStarter := new(MockStarter)
	service := newTestService(mockSender, mockStarter)

	mockSender.On("Send", mock.Anything, mock.Anything).Return(nil)
	mockStarter.On("ActiveOf", mock.Anything).Return(nil, false)

	service.AnnounceWaiting(context.Background(), seekerIdentity("seeker-1"), domain.RequestChat, "")

	service.CancelWaiting(context.Background(), "seeker-1")
	service.CancelWaiting(context.Background(), "seeker-1")

	waiting, _ := service.Counts()
	assert.Equal(t, 0, waiting)

	// A claim after cancel must not start a session
	service.Claim(context.Background(), "seeker-1", responderIdentity("resp-1"))
	mockStarter.AssertNotCalled(t, "Start")
}

// TestHandleDisconnect tests presence cleanup for both roles
func TestHandleDisconnect(t *testing.T) {
	mockSender := new(MockSender)
	mockStarter := new(MockStarter)
	service := newTestService(mockSender, mockStarter)

	mockSender.On("Send", mock.Anything, mock.Anything).Return(nil)
	mockStarter.On("ActiveOf", mock.Anything).Return(nil, false)

	service.AnnounceWaiting(context.Background(), seekerIdentity("seeker-1"), domain.RequestChat, "")
	service.AnnounceAvailable(context.Background(), responderIdentity("resp-1"))

	// Execute
	service.HandleDisconnect(context.Background(), seekerIdentity("seeker-1"))
	service.HandleDisconnect(context.Background(), responderIdentity("resp-1"))

	// Assert
	waiting, available := service.Counts()
	assert.Equal(t, 0, waiting)
	assert.Equal(t, 0, available)
}
