package actor

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/cloakroom-chat/cloakroom/internal/dserr"
	"github.com/cloakroom-chat/cloakroom/internal/models"
)

func testConfig(f *fakeStore, e Emitter) Config {
	return Config{
		Storage:        f,
		Emitter:        e,
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
		Retention:      30 * 24 * time.Hour,
		ReceivedBucket: 2 * time.Second,
	}
}

func TestSendAppAssignsContiguousSeqs(t *testing.T) {
	f := newFakeStore()
	f.addConvo("c1", 0)
	r := NewRegistry(testConfig(f, nil))
	defer r.Close()

	const n = 100
	var wg sync.WaitGroup
	results := make([]SendAppResult, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = r.SendApp("c1", SendApp{
				Epoch:           0,
				Ciphertext:      []byte("opaque"),
				ClientMessageID: fmt.Sprintf("cmid-%03d", i),
				DeclaredSize:    6,
				PaddedSize:      64,
			})
		}(i)
	}
	wg.Wait()

	seen := make(map[uint64]bool)
	for i, res := range results {
		if res.Err != nil {
			t.Fatalf("send %d failed: %v", i, res.Err)
		}
		if res.Epoch != 0 {
			t.Errorf("send %d epoch = %d", i, res.Epoch)
		}
		if seen[res.Seq] {
			t.Errorf("duplicate seq %d", res.Seq)
		}
		seen[res.Seq] = true
	}
	for seq := uint64(1); seq <= n; seq++ {
		if !seen[seq] {
			t.Errorf("missing seq %d", seq)
		}
	}
}

func TestSendAppStaleEpoch(t *testing.T) {
	f := newFakeStore()
	f.addConvo("c1", 5)
	r := NewRegistry(testConfig(f, nil))
	defer r.Close()

	res := r.SendApp("c1", SendApp{Epoch: 4, Ciphertext: []byte("x"), ClientMessageID: "m1"})
	if !dserr.IsKind(res.Err, dserr.KindStaleEpoch) {
		t.Fatalf("want StaleEpoch, got %v", res.Err)
	}
	if e := dserr.From(res.Err); e.CurrentEpoch != 5 {
		t.Errorf("CurrentEpoch = %d, want 5", e.CurrentEpoch)
	}
	// Nothing was written.
	if f.convos["c1"].maxSeq != 0 {
		t.Error("stale send must not assign a seq")
	}
}

func TestSendAppQuantizesReceiveBucket(t *testing.T) {
	f := newFakeStore()
	f.addConvo("c1", 0)
	r := NewRegistry(testConfig(f, nil))
	defer r.Close()

	res := r.SendApp("c1", SendApp{Epoch: 0, Ciphertext: []byte("x"), ClientMessageID: "m1"})
	if res.Err != nil {
		t.Fatal(res.Err)
	}
	if res.ReceivedBucket.Nanosecond() != 0 || res.ReceivedBucket.Second()%2 != 0 {
		t.Errorf("receive bucket %v is not quantized to 2s", res.ReceivedBucket)
	}
}

func TestSendAppDuplicateClientMessageID(t *testing.T) {
	f := newFakeStore()
	f.addConvo("c1", 0)
	r := NewRegistry(testConfig(f, nil))
	defer r.Close()

	if res := r.SendApp("c1", SendApp{Epoch: 0, Ciphertext: []byte("x"), ClientMessageID: "dup"}); res.Err != nil {
		t.Fatal(res.Err)
	}
	res := r.SendApp("c1", SendApp{Epoch: 0, Ciphertext: []byte("y"), ClientMessageID: "dup"})
	if !dserr.IsKind(res.Err, dserr.KindConflict) {
		t.Fatalf("duplicate client message id should conflict, got %v", res.Err)
	}
}

func TestSendAppUnknownConversation(t *testing.T) {
	f := newFakeStore()
	r := NewRegistry(testConfig(f, nil))
	defer r.Close()

	res := r.SendApp("ghost", SendApp{Epoch: 0, Ciphertext: []byte("x"), ClientMessageID: "m"})
	if !dserr.IsKind(res.Err, dserr.KindNotFound) {
		t.Fatalf("want NotFound, got %v", res.Err)
	}
}

func TestCommitAdvancesEpochAndAppliesDiff(t *testing.T) {
	f := newFakeStore()
	f.addConvo("c1", 5)
	f.addActiveMember("c1", "did:plc:admin#d1", "did:plc:admin", true)
	f.addKeyPackage("kp-1", "did:plc:bob#d1")
	em := &collectEmitter{}
	r := NewRegistry(testConfig(f, em))
	defer r.Close()

	res := r.SendCommit("c1", SendCommit{
		Epoch:           5,
		CommitData:      []byte("commit-bytes"),
		ClientMessageID: "commit-1",
		ProducerDID:     "did:plc:admin",
		ConsumedHashes:  []string{"kp-1"},
		Diff: MembershipDiff{Add: []MemberAdd{{
			DeviceMLSDID:   "did:plc:bob#d1",
			UserDID:        "did:plc:bob",
			KeyPackageHash: "kp-1",
		}}},
		Welcomes: []WelcomeDelivery{{
			RecipientDID:   "did:plc:bob#d1",
			KeyPackageHash: "kp-1",
			WelcomeData:    []byte("welcome-bytes"),
		}},
	})
	if res.Err != nil {
		t.Fatal(res.Err)
	}
	if res.Epoch != 6 {
		t.Errorf("new epoch = %d, want 6", res.Epoch)
	}
	if res.Seq != 1 {
		t.Errorf("commit seq = %d, want 1", res.Seq)
	}

	if f.convos["c1"].epoch != 6 {
		t.Errorf("stored epoch = %d", f.convos["c1"].epoch)
	}
	m, ok := f.convos["c1"].members["did:plc:bob#d1"]
	if !ok || m.LeftAt != nil {
		t.Fatal("added member should be active")
	}
	if !f.kps["kp-1"].consumed {
		t.Error("key package should be consumed")
	}
	if _, ok := f.welcomes["c1|did:plc:bob#d1"]; !ok {
		t.Error("welcome should be stored")
	}

	// Commit, member_added, and welcome_available envelopes were emitted.
	time.Sleep(20 * time.Millisecond)
	kinds := make(map[string]int)
	for _, e := range em.snapshot() {
		kinds[e.Event.Kind]++
	}
	if kinds[models.EventCommit] != 1 || kinds[models.EventMemberAdded] != 1 || kinds[models.EventWelcomeAvailable] != 1 {
		t.Errorf("emitted kinds = %v", kinds)
	}
}

func TestConcurrentCommitsExactlyOneWins(t *testing.T) {
	f := newFakeStore()
	f.addConvo("c1", 5)
	f.addKeyPackage("kp-a", "did:plc:x#d1")
	f.addKeyPackage("kp-b", "did:plc:y#d1")
	r := NewRegistry(testConfig(f, nil))
	defer r.Close()

	var wg sync.WaitGroup
	results := make([]SendCommitResult, 2)
	for i, hash := range []string{"kp-a", "kp-b"} {
		wg.Add(1)
		go func(i int, hash string) {
			defer wg.Done()
			results[i] = r.SendCommit("c1", SendCommit{
				Epoch:           5,
				CommitData:      []byte("c"),
				ClientMessageID: "commit-" + hash,
				ProducerDID:     "did:plc:admin",
				ConsumedHashes:  []string{hash},
			})
		}(i, hash)
	}
	wg.Wait()

	var wins, stale int
	for _, res := range results {
		switch {
		case res.Err == nil:
			wins++
		case dserr.IsKind(res.Err, dserr.KindStaleEpoch), dserr.IsKind(res.Err, dserr.KindEpochConflict):
			stale++
		default:
			t.Fatalf("unexpected error: %v", res.Err)
		}
	}
	if wins != 1 || stale != 1 {
		t.Errorf("wins = %d, losers = %d; want 1/1", wins, stale)
	}
	if f.convos["c1"].epoch != 6 {
		t.Errorf("epoch = %d, want exactly one advance", f.convos["c1"].epoch)
	}
}

func TestCommitConsumedKeyPackageRollsBack(t *testing.T) {
	f := newFakeStore()
	f.addConvo("c1", 2)
	f.addKeyPackage("kp-used", "did:plc:bob#d1")
	f.kps["kp-used"].consumed = true
	f.kps["kp-used"].convo = "other-convo"
	r := NewRegistry(testConfig(f, nil))
	defer r.Close()

	res := r.SendCommit("c1", SendCommit{
		Epoch:           2,
		CommitData:      []byte("c"),
		ClientMessageID: "commit-x",
		ProducerDID:     "did:plc:admin",
		ConsumedHashes:  []string{"kp-used"},
		Diff: MembershipDiff{Add: []MemberAdd{{
			DeviceMLSDID: "did:plc:bob#d1", UserDID: "did:plc:bob", KeyPackageHash: "kp-used",
		}}},
	})
	if !dserr.IsKind(res.Err, dserr.KindEpochConflict) {
		t.Fatalf("want EpochConflict, got %v", res.Err)
	}
	if f.convos["c1"].epoch != 2 {
		t.Error("epoch must not advance on conflict")
	}
	if _, ok := f.convos["c1"].members["did:plc:bob#d1"]; ok {
		t.Error("member must not be added on conflict")
	}
	if f.convos["c1"].maxSeq != 0 {
		t.Error("no seq may be burned on conflict")
	}
}

func TestCommitRejectsForeignKeyPackage(t *testing.T) {
	f := newFakeStore()
	f.addConvo("c1", 3)
	// The package belongs to mallory's device, but the commit claims it for
	// bob's membership.
	f.addKeyPackage("kp-m", "did:plc:mallory#d1")
	r := NewRegistry(testConfig(f, nil))
	defer r.Close()

	res := r.SendCommit("c1", SendCommit{
		Epoch:           3,
		CommitData:      []byte("c"),
		ClientMessageID: "commit-foreign",
		ProducerDID:     "did:plc:admin",
		ConsumedHashes:  []string{"kp-m"},
		Diff: MembershipDiff{Add: []MemberAdd{{
			DeviceMLSDID:   "did:plc:bob#d1",
			UserDID:        "did:plc:bob",
			KeyPackageHash: "kp-m",
		}}},
	})
	if !dserr.IsKind(res.Err, dserr.KindValidation) {
		t.Fatalf("foreign key package must be rejected, got %v", res.Err)
	}
	// The whole transaction rolled back: no membership, no epoch advance,
	// and the package stays available.
	if f.convos["c1"].epoch != 3 {
		t.Error("epoch must not advance")
	}
	if _, ok := f.convos["c1"].members["did:plc:bob#d1"]; ok {
		t.Error("member must not be added")
	}
	if f.kps["kp-m"].consumed {
		t.Error("package consumption must roll back")
	}
}

func TestCommitRejectsAdditionWithoutConsumedPackage(t *testing.T) {
	f := newFakeStore()
	f.addConvo("c1", 3)
	f.addKeyPackage("kp-x", "did:plc:bob#d1")
	r := NewRegistry(testConfig(f, nil))
	defer r.Close()

	// The addition names kp-x but the commit never consumes it.
	res := r.SendCommit("c1", SendCommit{
		Epoch:           3,
		CommitData:      []byte("c"),
		ClientMessageID: "commit-unclaimed",
		ProducerDID:     "did:plc:admin",
		Diff: MembershipDiff{Add: []MemberAdd{{
			DeviceMLSDID:   "did:plc:bob#d1",
			UserDID:        "did:plc:bob",
			KeyPackageHash: "kp-x",
		}}},
	})
	if !dserr.IsKind(res.Err, dserr.KindValidation) {
		t.Fatalf("unclaimed key package must be rejected, got %v", res.Err)
	}
}

func TestCommitRejectsWelcomeForWrongRecipient(t *testing.T) {
	f := newFakeStore()
	f.addConvo("c1", 3)
	f.addKeyPackage("kp-b", "did:plc:bob#d1")
	r := NewRegistry(testConfig(f, nil))
	defer r.Close()

	res := r.SendCommit("c1", SendCommit{
		Epoch:           3,
		CommitData:      []byte("c"),
		ClientMessageID: "commit-wrong-recipient",
		ProducerDID:     "did:plc:admin",
		ConsumedHashes:  []string{"kp-b"},
		Diff: MembershipDiff{Add: []MemberAdd{{
			DeviceMLSDID:   "did:plc:bob#d1",
			UserDID:        "did:plc:bob",
			KeyPackageHash: "kp-b",
		}}},
		Welcomes: []WelcomeDelivery{{
			RecipientDID:   "did:plc:eve#d1", // not the package owner
			KeyPackageHash: "kp-b",
			WelcomeData:    []byte("welcome"),
		}},
	})
	if !dserr.IsKind(res.Err, dserr.KindValidation) {
		t.Fatalf("welcome for a non-owner must be rejected, got %v", res.Err)
	}
	if _, ok := f.welcomes["c1|did:plc:eve#d1"]; ok {
		t.Error("welcome must not be stored")
	}
}

func TestCommitRemoveInactiveMemberConflicts(t *testing.T) {
	f := newFakeStore()
	f.addConvo("c1", 1)
	r := NewRegistry(testConfig(f, nil))
	defer r.Close()

	res := r.SendCommit("c1", SendCommit{
		Epoch:           1,
		CommitData:      []byte("c"),
		ClientMessageID: "commit-r",
		ProducerDID:     "did:plc:admin",
		Diff:            MembershipDiff{Remove: []string{"did:plc:ghost#d1"}},
	})
	if !dserr.IsKind(res.Err, dserr.KindEpochConflict) {
		t.Fatalf("removing a non-member should conflict, got %v", res.Err)
	}
}

func TestDemoteLastAdminForbidden(t *testing.T) {
	f := newFakeStore()
	f.addConvo("c1", 1)
	f.addActiveMember("c1", "did:plc:solo#d1", "did:plc:solo", true)
	r := NewRegistry(testConfig(f, nil))
	defer r.Close()

	res := r.SendCommit("c1", SendCommit{
		Epoch:           1,
		CommitData:      []byte("c"),
		ClientMessageID: "commit-d",
		ProducerDID:     "did:plc:solo",
		Diff:            MembershipDiff{DemoteUser: "did:plc:solo"},
	})
	if !dserr.IsKind(res.Err, dserr.KindForbidden) {
		t.Fatalf("demoting the last admin must be forbidden, got %v", res.Err)
	}
	if f.convos["c1"].epoch != 1 {
		t.Error("epoch must not advance")
	}
}

func TestQueryEpochWarmsCache(t *testing.T) {
	f := newFakeStore()
	f.addConvo("c1", 9)
	r := NewRegistry(testConfig(f, nil))
	defer r.Close()

	res := r.QueryEpoch("c1")
	if res.Err != nil || res.Epoch != 9 {
		t.Fatalf("epoch = %d, err = %v", res.Epoch, res.Err)
	}
	// Second query is served from actor state.
	res = r.QueryEpoch("c1")
	if res.Err != nil || res.Epoch != 9 {
		t.Fatalf("cached epoch = %d, err = %v", res.Epoch, res.Err)
	}
}

func TestMarkNeedsRejoinFlagsAndBroadcasts(t *testing.T) {
	f := newFakeStore()
	f.addConvo("c1", 10)
	f.addActiveMember("c1", "did:plc:d#dev", "did:plc:d", false)
	em := &collectEmitter{}
	r := NewRegistry(testConfig(f, em))
	defer r.Close()

	if err := r.MarkNeedsRejoin("c1", "did:plc:d#dev"); err != nil {
		t.Fatal(err)
	}
	if !f.convos["c1"].members["did:plc:d#dev"].NeedsRejoin {
		t.Error("needs_rejoin flag not set")
	}

	time.Sleep(20 * time.Millisecond)
	events := em.snapshot()
	if len(events) != 1 || events[0].Event.Kind != models.EventGenerateWelcomeFor {
		t.Errorf("events = %+v", events)
	}
}

func TestMarkNeedsRejoinNonMemberForbidden(t *testing.T) {
	f := newFakeStore()
	f.addConvo("c1", 10)
	r := NewRegistry(testConfig(f, nil))
	defer r.Close()

	err := r.MarkNeedsRejoin("c1", "did:plc:outsider#dev")
	if !dserr.IsKind(err, dserr.KindForbidden) {
		t.Fatalf("want Forbidden, got %v", err)
	}
}

func TestDeliverWelcomeActsAsCommit(t *testing.T) {
	f := newFakeStore()
	f.addConvo("c1", 10)
	f.addActiveMember("c1", "did:plc:d#dev", "did:plc:d", false)
	f.addActiveMember("c1", "did:plc:peer#dev", "did:plc:peer", false)
	f.convos["c1"].members["did:plc:d#dev"].NeedsRejoin = true
	f.addKeyPackage("kp-rejoin", "did:plc:d#dev")
	r := NewRegistry(testConfig(f, nil))
	defer r.Close()

	res := r.DeliverWelcome("c1", DeliverWelcome{
		RecipientDID:   "did:plc:d#dev",
		KeyPackageHash: "kp-rejoin",
		WelcomeData:    []byte("welcome"),
		CommitData:     []byte("commit"),
		ProducerDID:    "did:plc:peer",
	})
	if res.Err != nil {
		t.Fatal(res.Err)
	}
	if res.Epoch != 11 {
		t.Errorf("epoch = %d, want 11", res.Epoch)
	}
	if !f.kps["kp-rejoin"].consumed {
		t.Error("key package must be consumed atomically")
	}
	if _, ok := f.welcomes["c1|did:plc:d#dev"]; !ok {
		t.Error("welcome must be stored")
	}
	// The device keeps its single member row and the flag clears.
	m := f.convos["c1"].members["did:plc:d#dev"]
	if m.LeftAt != nil || m.NeedsRejoin {
		t.Errorf("member state after rejoin: left=%v needs=%v", m.LeftAt, m.NeedsRejoin)
	}
	if len(f.convos["c1"].members) != 2 {
		t.Errorf("member count = %d, want 2 (no duplicate row)", len(f.convos["c1"].members))
	}
}

func TestActorPanicContained(t *testing.T) {
	f := newFakeStore()
	f.addConvo("c1", 0)
	r := NewRegistry(testConfig(f, nil))
	defer r.Close()

	f.panicNext = true
	res := r.SendApp("c1", SendApp{Epoch: 0, Ciphertext: []byte("x"), ClientMessageID: "boom"})
	if !dserr.IsKind(res.Err, dserr.KindInternal) {
		t.Fatalf("panicked handler should reply Internal, got %v", res.Err)
	}

	// The actor keeps serving afterward.
	res = r.SendApp("c1", SendApp{Epoch: 0, Ciphertext: []byte("x"), ClientMessageID: "after"})
	if res.Err != nil {
		t.Fatalf("actor should survive a panic: %v", res.Err)
	}
	if res.Seq != 1 {
		t.Errorf("seq = %d, want 1 (panicked write rolled back)", res.Seq)
	}
}
