package signaling

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/core/coretest"
	"github.com/dkeye/huddle/internal/docstore"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const room domain.RoomID = "r1"

const wait = time.Second

type peer struct {
	engine  *Engine
	capture *coretest.Capture
	factory *coretest.Factory
	sink    *coretest.Sink
}

func newPeer(store docstore.Store) *peer {
	p := &peer{capture: &coretest.Capture{}, factory: &coretest.Factory{}, sink: &coretest.Sink{}}
	p.engine = NewEngine(store, p.capture, p.factory, p.sink)
	return p
}

func newStore(t *testing.T) *docstore.Memory {
	t.Helper()
	m, err := docstore.NewMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func session(t *testing.T, store docstore.Store, id domain.CallID) *domain.CallSession {
	t.Helper()
	snap, err := store.Get(context.Background(), domain.CallPath(room, id))
	require.NoError(t, err)
	require.True(t, snap.Exists)
	s, err := decodeSession(snap)
	require.NoError(t, err)
	return s
}

func cand(s string) domain.ICECandidate {
	mid := "0"
	var idx uint16
	return domain.ICECandidate{Candidate: s, SDPMid: &mid, SDPMLineIndex: &idx}
}

func candidateStrings(cs []domain.ICECandidate) []string {
	out := make([]string, 0, len(cs))
	for _, c := range cs {
		out = append(out, c.Candidate)
	}
	return out
}

func TestRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	alice, bob := newPeer(store), newPeer(store)

	caller, err := alice.engine.StartCaller(ctx, room, "alice")
	require.NoError(t, err)
	defer caller.Teardown()
	assert.Equal(t, RoleCaller, caller.Role())
	assert.Equal(t, StateNegotiating, caller.State())

	s := session(t, store, caller.ID())
	assert.Equal(t, domain.CallOpen, s.Status)
	require.NotNil(t, s.Offer)
	assert.Equal(t, "offer", s.Offer.Type)
	assert.Equal(t, domain.UserID("alice"), s.CreatedByUserID)
	assert.Nil(t, s.Answer)

	callerT := alice.factory.Last()
	callerT.EmitCandidate(cand("caller-1"))

	callee, err := bob.engine.JoinCallee(ctx, room, caller.ID(), "bob")
	require.NoError(t, err)
	defer callee.Teardown()
	assert.Equal(t, StateConnected, callee.State())

	calleeT := bob.factory.Last()
	assert.Equal(t, s.Offer, calleeT.RemoteDescription())

	s = session(t, store, caller.ID())
	assert.Equal(t, domain.CallConnected, s.Status)
	require.NotNil(t, s.Answer)
	assert.Equal(t, "answer", s.Answer.Type)

	require.Eventually(t, func() bool { return caller.State() == StateConnected }, wait, 5*time.Millisecond)
	assert.Equal(t, s.Answer, callerT.RemoteDescription())

	calleeT.EmitCandidate(cand("callee-1"))
	callerT.EmitCandidate(cand("caller-2"))

	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{"callee-1"}, candidateStrings(callerT.Applied()))
	}, wait, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{"caller-1", "caller-2"}, candidateStrings(calleeT.Applied()))
	}, wait, 5*time.Millisecond)
}

func TestCaller_AppliesAnswerOnce(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	alice, bob := newPeer(store), newPeer(store)

	caller, err := alice.engine.StartCaller(ctx, room, "alice")
	require.NoError(t, err)
	defer caller.Teardown()
	callee, err := bob.engine.JoinCallee(ctx, room, caller.ID(), "bob")
	require.NoError(t, err)
	defer callee.Teardown()

	require.Eventually(t, func() bool { return caller.State() == StateConnected }, wait, 5*time.Millisecond)

	// Re-deliver the same answer through fresh snapshots.
	path := domain.CallPath(room, caller.ID())
	for i := 0; i < 3; i++ {
		require.NoError(t, store.Update(ctx, path, docstore.Data{"touch": i}))
	}
	time.Sleep(30 * time.Millisecond)

	callerT := alice.factory.Last()
	assert.Equal(t, StateConnected, caller.State(), "a second SetRemoteDescription on the fake would fail and tear down")
	assert.Zero(t, callerT.Closed())
}

func TestCaller_QueuesEarlyCandidates(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	alice := newPeer(store)

	caller, err := alice.engine.StartCaller(ctx, room, "alice")
	require.NoError(t, err)
	defer caller.Teardown()
	callerT := alice.factory.Last()

	// Answer candidates can become visible before the answer itself.
	_, err = store.Add(ctx, domain.AnswerCandidatesCollection(room, caller.ID()), candidateData(cand("early")))
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, callerT.Applied())

	require.NoError(t, store.Update(ctx, domain.CallPath(room, caller.ID()), docstore.Data{
		domain.FieldAnswer: descriptorData(domain.SessionDescriptor{Type: "answer", SDP: "v=0 remote"}),
		domain.FieldStatus: string(domain.CallConnected),
	}))

	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{"early"}, candidateStrings(callerT.Applied()))
	}, wait, 5*time.Millisecond)
	assert.Equal(t, StateConnected, caller.State())
}

func TestCandidateFailureIsNotFatal(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	alice, bob := newPeer(store), newPeer(store)
	alice.factory.Prepare = func(tr *coretest.Transport) { tr.CandidateErr = errors.New("bad candidate") }

	caller, err := alice.engine.StartCaller(ctx, room, "alice")
	require.NoError(t, err)
	defer caller.Teardown()
	callee, err := bob.engine.JoinCallee(ctx, room, caller.ID(), "bob")
	require.NoError(t, err)
	defer callee.Teardown()

	bob.factory.Last().EmitCandidate(cand("rejected"))
	require.Eventually(t, func() bool { return caller.State() == StateConnected }, wait, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, StateConnected, caller.State())
	assert.Zero(t, alice.factory.Last().Closed())
}

func TestMediaFailureLeavesNoSession(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	alice := newPeer(store)
	alice.capture.Err = errors.New("microphone denied")

	_, err := alice.engine.StartCaller(ctx, room, "alice")
	require.ErrorIs(t, err, core.ErrMediaAcquisition)

	docs, err := store.Query(ctx, domain.CallsCollection(room), docstore.Query{})
	require.NoError(t, err)
	assert.Empty(t, docs)
	assert.Empty(t, alice.factory.Transports())
}

func TestCallee_MediaFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	alice, bob := newPeer(store), newPeer(store)

	caller, err := alice.engine.StartCaller(ctx, room, "alice")
	require.NoError(t, err)
	defer caller.Teardown()

	bob.capture.Err = errors.New("no device")
	_, err = bob.engine.JoinCallee(ctx, room, caller.ID(), "bob")
	require.ErrorIs(t, err, core.ErrMediaAcquisition)

	s := session(t, store, caller.ID())
	assert.Equal(t, domain.CallOpen, s.Status)
	assert.Nil(t, s.Answer)
}

func TestCallee_TransportFailureReleasesAudio(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	alice, bob := newPeer(store), newPeer(store)

	caller, err := alice.engine.StartCaller(ctx, room, "alice")
	require.NoError(t, err)
	defer caller.Teardown()

	bob.factory.Prepare = func(tr *coretest.Transport) { tr.RemoteErr = errors.New("bad sdp") }
	_, err = bob.engine.JoinCallee(ctx, room, caller.ID(), "bob")
	require.Error(t, err)

	acquired := bob.capture.Acquired()
	require.Len(t, acquired, 1)
	assert.Equal(t, 1, acquired[0].Stopped())
	assert.Equal(t, 1, bob.factory.Last().Closed())
}

// endingStore ends the session right before the callee's status write lands.
type endingStore struct{ docstore.Store }

func (s endingStore) CompareAndSet(ctx context.Context, path, field string, expected any, data docstore.Data) (bool, error) {
	if field == domain.FieldStatus {
		if err := s.Store.Update(ctx, path, docstore.Data{domain.FieldStatus: string(domain.CallEnded)}); err != nil {
			return false, err
		}
	}
	return s.Store.CompareAndSet(ctx, path, field, expected, data)
}

func TestCallee_EndedBeforeAnswerStaysEnded(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	alice, bob := newPeer(store), newPeer(endingStore{store})

	caller, err := alice.engine.StartCaller(ctx, room, "alice")
	require.NoError(t, err)
	defer caller.Teardown()

	_, err = bob.engine.JoinCallee(ctx, room, caller.ID(), "bob")
	require.ErrorIs(t, err, core.ErrSessionEnded)

	s := session(t, store, caller.ID())
	assert.Equal(t, domain.CallEnded, s.Status)
	assert.Nil(t, s.Answer)

	acquired := bob.capture.Acquired()
	require.Len(t, acquired, 1)
	assert.Equal(t, 1, acquired[0].Stopped())
	assert.Equal(t, 1, bob.factory.Last().Closed())
}

func TestCallee_SecondAnswerKeepsConnected(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	alice, bob, carol := newPeer(store), newPeer(store), newPeer(store)

	caller, err := alice.engine.StartCaller(ctx, room, "alice")
	require.NoError(t, err)
	defer caller.Teardown()

	first, err := bob.engine.JoinCallee(ctx, room, caller.ID(), "bob")
	require.NoError(t, err)
	defer first.Teardown()

	second, err := carol.engine.JoinCallee(ctx, room, caller.ID(), "carol")
	require.NoError(t, err)
	defer second.Teardown()

	s := session(t, store, caller.ID())
	assert.Equal(t, domain.CallConnected, s.Status)
	require.NotNil(t, s.Answer)
	assert.Equal(t, *carol.factory.Last().LocalDescription(), *s.Answer)
}

func TestCallee_Errors(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	bob := newPeer(store)

	_, err := bob.engine.JoinCallee(ctx, room, "missing", "bob")
	assert.ErrorIs(t, err, core.ErrSessionNotFound)

	require.NoError(t, store.Set(ctx, domain.CallPath(room, "fresh"), docstore.Data{domain.FieldStatus: string(domain.CallOpen)}))
	_, err = bob.engine.JoinCallee(ctx, room, "fresh", "bob")
	assert.ErrorIs(t, err, core.ErrSessionNotReady)

	require.NoError(t, store.Set(ctx, domain.CallPath(room, "over"), docstore.Data{
		domain.FieldStatus: string(domain.CallEnded),
		domain.FieldOffer:  descriptorData(domain.SessionDescriptor{Type: "offer", SDP: "x"}),
	}))
	_, err = bob.engine.JoinCallee(ctx, room, "over", "bob")
	assert.ErrorIs(t, err, core.ErrSessionEnded)

	assert.Empty(t, bob.capture.Acquired(), "no audio is acquired for a session that cannot be joined")
}

func TestTeardownIdempotent(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	alice := newPeer(store)

	caller, err := alice.engine.StartCaller(ctx, room, "alice")
	require.NoError(t, err)
	alice.factory.Last().EmitRemoteAudio(&coretest.RemoteAudio{TrackID: "remote"})

	caller.Teardown()
	caller.Teardown()

	select {
	case <-caller.Done():
	default:
		t.Fatal("Done not closed")
	}
	assert.Equal(t, StateEnded, caller.State())
	assert.Equal(t, 1, alice.factory.Last().Closed())
	assert.Equal(t, 1, alice.capture.Acquired()[0].Stopped())
	attached, detached := alice.sink.Counts()
	assert.Equal(t, 1, attached)
	assert.Equal(t, 1, detached)

	alice.factory.Last().EmitRemoteAudio(&coretest.RemoteAudio{TrackID: "late"})
	attached, _ = alice.sink.Counts()
	assert.Equal(t, 1, attached, "no playback after teardown")
}

func TestHangUpEndsBothSides(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	alice, bob := newPeer(store), newPeer(store)

	caller, err := alice.engine.StartCaller(ctx, room, "alice")
	require.NoError(t, err)
	callee, err := bob.engine.JoinCallee(ctx, room, caller.ID(), "bob")
	require.NoError(t, err)

	require.NoError(t, bob.engine.HangUp(ctx, callee))
	assert.Equal(t, StateEnded, callee.State())

	select {
	case <-caller.Done():
	case <-time.After(wait):
		t.Fatal("caller did not observe the ended session")
	}
	assert.Equal(t, domain.CallEnded, session(t, store, caller.ID()).Status)
	assert.Equal(t, 1, alice.factory.Last().Closed())
	assert.Equal(t, 1, bob.factory.Last().Closed())

	require.NoError(t, bob.engine.HangUp(ctx, callee), "hanging up twice is harmless")
}

func TestCallerTransportFailureEndsSession(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	alice := newPeer(store)
	alice.factory.Err = errors.New("ice config")

	_, err := alice.engine.StartCaller(ctx, room, "alice")
	require.Error(t, err)

	docs, err := store.Query(ctx, domain.CallsCollection(room), docstore.Query{})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, string(domain.CallEnded), docs[0].Data[domain.FieldStatus])
	assert.Equal(t, 1, alice.capture.Acquired()[0].Stopped())
}
