package calls

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/callpilot/internal/model"
	"github.com/sells-group/callpilot/internal/store"
	"github.com/sells-group/callpilot/internal/telephony"
)

func newTestService(t *testing.T) (*Service, store.Store) {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "calls.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.Migrate(context.Background()))
	return NewService(st), st
}

func seedLead(t *testing.T, st store.Store, phone string) *model.Lead {
	t.Helper()
	lead, err := st.CreateLead(context.Background(), model.Lead{
		Name:  "Pat Example",
		Phone: phone,
	})
	require.NoError(t, err)
	return lead
}

func TestRecordStatusReplayIsIdempotent(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	dur := 42
	evt := &telephony.StatusEvent{
		CallSID:     "CA100",
		Status:      model.CallStatusCompleted,
		Direction:   model.DirectionOutbound,
		From:        "+15550001111",
		To:          "+15552223333",
		DurationSec: &dur,
		Timestamp:   time.Now().UTC(),
	}
	first, err := svc.RecordStatus(ctx, evt)
	require.NoError(t, err)
	second, err := svc.RecordStatus(ctx, evt)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, *first.DurationSec, *second.DurationSec)
}

func TestRecordStatusOutOfOrderWebhooks(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	// Terminal event lands first; a stale "ringing" replay must not
	// resurrect the call.
	_, err := svc.RecordStatus(ctx, &telephony.StatusEvent{
		CallSID: "CA200", Status: model.CallStatusCompleted, To: "+15551110000",
	})
	require.NoError(t, err)

	ev, err := svc.RecordStatus(ctx, &telephony.StatusEvent{
		CallSID: "CA200", Status: model.CallStatusRinging,
	})
	require.NoError(t, err)
	assert.Equal(t, model.CallStatusCompleted, ev.Status)
	assert.Equal(t, "+15551110000", ev.ToNumber)
}

func TestAppendTranscriptSeedsCallEventAndLinksLead(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	lead := seedLead(t, st, "+15557654321")

	_, err := svc.RecordStatus(ctx, &telephony.StatusEvent{
		CallSID: "CA999", Status: model.CallStatusInProgress, To: "+15557654321",
	})
	require.NoError(t, err)

	require.NoError(t, svc.AppendTranscript(ctx, TranscriptInput{
		CallSID:           "CA999",
		Role:              model.RoleUser,
		Content:           "Hello?",
		ProviderMessageID: "item_1",
		Timestamp:         time.Now().UTC(),
	}))

	got, err := st.FindCallableLeadByPhone(ctx, "+15557654321")
	require.NoError(t, err)
	assert.Nil(t, got, "lead is no longer callable once linked")

	linked, err := st.LeadLinkedToCall(ctx, "CA999")
	require.NoError(t, err)
	assert.True(t, linked)

	// Later transcripts must not re-link or duplicate.
	require.NoError(t, svc.AppendTranscript(ctx, TranscriptInput{
		CallSID:           "CA999",
		Role:              model.RoleAssistant,
		Content:           "Hi! This is the assistant.",
		ProviderMessageID: "item_2",
		Timestamp:         time.Now().UTC(),
	}))

	entries, err := svc.Transcripts(ctx, "CA999")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, model.RoleUser, entries[0].Role)
	assert.Equal(t, model.RoleAssistant, entries[1].Role)
	_ = lead
}

func TestAppendTranscriptWithoutPriorCallEvent(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.AppendTranscript(ctx, TranscriptInput{
		CallSID:   "CA300",
		Role:      model.RoleUser,
		Content:   "media stream beat the webhook",
		Timestamp: time.Now().UTC(),
	}))

	ev, err := st.GetCallEvent(ctx, "CA300")
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, model.CallStatusInProgress, ev.Status)
}

func TestAppendTranscriptDedupesByMessageID(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	in := TranscriptInput{
		CallSID:           "CA400",
		Role:              model.RoleAssistant,
		Content:           "same utterance",
		ProviderMessageID: "item_dup",
		Timestamp:         time.Now().UTC(),
	}
	require.NoError(t, svc.AppendTranscript(ctx, in))
	require.NoError(t, svc.AppendTranscript(ctx, in))

	entries, err := svc.Transcripts(ctx, "CA400")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestAppendTranscriptWithoutMessageIDAlwaysInserts(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	in := TranscriptInput{
		CallSID: "CA500", Role: model.RoleUser, Content: "no id", Timestamp: time.Now().UTC(),
	}
	require.NoError(t, svc.AppendTranscript(ctx, in))
	require.NoError(t, svc.AppendTranscript(ctx, in))

	entries, err := svc.Transcripts(ctx, "CA500")
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestLinkLeadPicksMostRecentCallableLead(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	older := seedLead(t, st, "+15559990000")
	time.Sleep(1100 * time.Millisecond) // sqlite datetime granularity is 1s
	newer := seedLead(t, st, "+15559990000")

	_, err := svc.RecordStatus(ctx, &telephony.StatusEvent{
		CallSID: "CA600", Status: model.CallStatusInProgress, To: "+15559990000",
	})
	require.NoError(t, err)
	svc.LinkLead(ctx, "CA600")

	remaining, err := st.FindCallableLeadByPhone(ctx, "+15559990000")
	require.NoError(t, err)
	require.NotNil(t, remaining)
	assert.Equal(t, older.ID, remaining.ID, "newest lead claimed first")
	_ = newer
}

func TestLinkLeadNoMatchIsQuietNoop(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.RecordStatus(ctx, &telephony.StatusEvent{
		CallSID: "CA700", Status: model.CallStatusInProgress, To: "+15550009999",
	})
	require.NoError(t, err)
	svc.LinkLead(ctx, "CA700") // no lead with that phone; nothing to assert but no panic/error
}

func TestMarkLeadContactedRejectsTakenSID(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	a := seedLead(t, st, "+15551230001")
	b := seedLead(t, st, "+15551230002")

	require.NoError(t, svc.MarkLeadContacted(ctx, a.ID, "CA800"))
	err := svc.MarkLeadContacted(ctx, b.ID, "CA800")
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrCallSIDTaken)
}

func TestAttachRecordingIdempotentAndSingleStored(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	evt := &telephony.RecordingEvent{
		CallSID: "CA900", RecordingSID: "RE900", Status: "completed", DurationSec: 60,
	}
	require.NoError(t, svc.AttachRecording(ctx, evt, "recordings/CA900.wav", 480000))
	// Webhook replay: same recording sid, silently absorbed.
	require.NoError(t, svc.AttachRecording(ctx, evt, "recordings/CA900.wav", 480000))

	// A different recording sid for the same call must not produce a
	// second stored recording.
	evt2 := &telephony.RecordingEvent{
		CallSID: "CA900", RecordingSID: "RE901", Status: "completed", DurationSec: 61,
	}
	err := svc.AttachRecording(ctx, evt2, "recordings/CA900-2.wav", 480100)
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrSecondStoredRecording)
}
