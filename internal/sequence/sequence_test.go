package sequence

import (
	"context"
	"testing"
	"time"

	"whatsapp-dispatch/internal/apperr"
	"whatsapp-dispatch/internal/database/databasetest"
	"whatsapp-dispatch/internal/directory"
	"whatsapp-dispatch/internal/logger/loggertest"
	"whatsapp-dispatch/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type fixture struct {
	db  *gorm.DB
	svc *Service
	eng *Engine
}

func newFixture(t *testing.T) *fixture {
	db := databasetest.NewTestDB(t)
	require.NoError(t, db.Create(&models.Lead{DeviceID: "dev-1", Name: "Aina", Phone: "60111", Trigger: "welcome, vip"}).Error)
	return &fixture{
		db:  db,
		svc: NewService(db),
		eng: NewEngine(db, directory.New(db), loggertest.New(t), 50),
	}
}

func (f *fixture) create(t *testing.T, steps ...StepDefinition) *models.Sequence {
	t.Helper()
	seq, err := f.svc.CreateSequence(context.Background(), Definition{Name: "drip", MinDelaySeconds: 3, MaxDelaySeconds: 7, Steps: steps})
	require.NoError(t, err)
	return seq
}

func (f *fixture) tick(t *testing.T, at time.Time) TickResult {
	t.Helper()
	res, err := f.eng.Tick(context.Background(), at)
	require.NoError(t, err)
	return res
}

func (f *fixture) contact(t *testing.T, seqID uint) models.SequenceContact {
	t.Helper()
	var c models.SequenceContact
	require.NoError(t, f.db.Where("sequence_id = ? AND contact_phone = ?", seqID, "60111").First(&c).Error)
	return c
}

func (f *fixture) messages(t *testing.T) []models.BroadcastMessage {
	t.Helper()
	var msgs []models.BroadcastMessage
	require.NoError(t, f.db.Order("scheduled_at, created_at").Find(&msgs).Error)
	return msgs
}

func TestTwoStepDripSendsEachStepOnce(t *testing.T) {
	f := newFixture(t)
	seq := f.create(t,
		StepDefinition{Day: 1, Trigger: "welcome", NextTrigger: "followup", IsEntryPoint: true, Content: "Hi {name}"},
		StepDefinition{Day: 2, Trigger: "followup", TriggerDelayHours: 24, Content: "Still there?"},
	)

	res := f.tick(t, t0)
	assert.Equal(t, 1, res.Enrolled)
	assert.Equal(t, 1, res.Fired)

	msgs := f.messages(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, "Hi {name}", msgs[0].Content)
	assert.Equal(t, "dev-1", msgs[0].DeviceID)
	assert.True(t, msgs[0].ScheduledAt.Equal(t0))
	assert.Equal(t, models.OriginSequence, msgs[0].Origin().Kind)
	assert.Equal(t, 3, msgs[0].MinDelaySeconds)

	c := f.contact(t, seq.ID)
	assert.Equal(t, models.ContactPending, c.Status)
	assert.Equal(t, "followup", c.CurrentTrigger)
	assert.Equal(t, 2, c.CurrentStep)
	assert.True(t, c.NextTriggerTime.Equal(t0.Add(24*time.Hour)))

	f.tick(t, t0.Add(time.Hour))
	assert.Len(t, f.messages(t), 1)

	res = f.tick(t, t0.Add(24*time.Hour))
	assert.EqualValues(t, 1, res.Promoted)
	assert.Equal(t, 1, res.Fired)
	assert.Equal(t, 1, res.Completed)
	msgs = f.messages(t)
	require.Len(t, msgs, 2)
	assert.Equal(t, "Still there?", msgs[1].Content)

	c = f.contact(t, seq.ID)
	assert.Equal(t, models.ContactCompleted, c.Status)
	require.NotNil(t, c.CompletedAt)

	// Completed contacts never re-enter even though the lead still carries the trigger.
	f.tick(t, t0.Add(48*time.Hour))
	f.tick(t, t0.Add(72*time.Hour))
	assert.Len(t, f.messages(t), 2)
	var rows int64
	require.NoError(t, f.db.Model(&models.SequenceContact{}).Where("sequence_id = ?", seq.ID).Count(&rows).Error)
	assert.EqualValues(t, 1, rows)
}

func TestNegativeDelayFiresImmediately(t *testing.T) {
	f := newFixture(t)
	seq := f.create(t,
		StepDefinition{Day: 1, Trigger: "welcome", NextTrigger: "next", IsEntryPoint: true, Content: "one"},
		StepDefinition{Day: 2, Trigger: "next", TriggerDelayHours: -5, Content: "two"},
	)

	f.tick(t, t0)
	c := f.contact(t, seq.ID)
	assert.Equal(t, models.ContactActive, c.Status)
	assert.True(t, c.NextTriggerTime.Equal(t0))

	f.tick(t, t0)
	assert.Len(t, f.messages(t), 2)
	assert.Equal(t, models.ContactCompleted, f.contact(t, seq.ID).Status)
}

func TestUnresolvedNextTriggerCompletes(t *testing.T) {
	f := newFixture(t)
	seq := f.create(t, StepDefinition{Day: 1, Trigger: "welcome", NextTrigger: "nowhere", Content: "only"})

	res := f.tick(t, t0)
	assert.Equal(t, 1, res.Fired)
	assert.Equal(t, 1, res.Completed)
	assert.Equal(t, models.ContactCompleted, f.contact(t, seq.ID).Status)
}

func TestEntryDelayStartsPending(t *testing.T) {
	f := newFixture(t)
	seq := f.create(t, StepDefinition{Day: 1, Trigger: "vip", IsEntryPoint: true, TriggerDelayHours: 2, Content: "later"})

	res := f.tick(t, t0)
	assert.Equal(t, 1, res.Enrolled)
	assert.Zero(t, res.Fired)
	c := f.contact(t, seq.ID)
	assert.Equal(t, models.ContactPending, c.Status)
	assert.True(t, c.NextTriggerTime.Equal(t0.Add(2*time.Hour)))

	res = f.tick(t, t0.Add(2*time.Hour))
	assert.Equal(t, 1, res.Fired)
}

func TestInactiveSequenceIsIgnored(t *testing.T) {
	f := newFixture(t)
	off := false
	seq, err := f.svc.CreateSequence(context.Background(), Definition{
		Name:   "paused",
		Active: &off,
		Steps:  []StepDefinition{{Day: 1, Trigger: "welcome", Content: "x"}},
	})
	require.NoError(t, err)
	assert.False(t, seq.Active)

	res := f.tick(t, t0)
	assert.Zero(t, res.Enrolled)
	assert.Empty(t, f.messages(t))
}

func TestStaleContactIsSkipped(t *testing.T) {
	f := newFixture(t)
	seq := f.create(t,
		StepDefinition{Day: 1, Trigger: "welcome", NextTrigger: "next", Content: "one"},
		StepDefinition{Day: 2, Trigger: "next", TriggerDelayHours: 1, Content: "two"},
	)
	ctx := context.Background()

	_, err := f.eng.Enroll(ctx, t0)
	require.NoError(t, err)
	stale := f.contact(t, seq.ID)
	ix, err := f.eng.loadSteps(ctx, []models.SequenceContact{stale})
	require.NoError(t, err)

	sent, _, err := f.eng.fire(ctx, ix, stale, t0)
	require.NoError(t, err)
	assert.True(t, sent)

	// A second tick holding the old version loses the guard and writes nothing.
	sent, _, err = f.eng.fire(ctx, ix, stale, t0)
	assert.ErrorIs(t, err, errStale)
	assert.False(t, sent)
	assert.Len(t, f.messages(t), 1)
	assert.Equal(t, models.ContactPending, f.contact(t, seq.ID).Status)
}

func TestMissingBoundStepCompletesContact(t *testing.T) {
	f := newFixture(t)
	seq := f.create(t, StepDefinition{Day: 1, Trigger: "welcome", Content: "one"})
	ctx := context.Background()

	_, err := f.eng.Enroll(ctx, t0)
	require.NoError(t, err)
	require.NoError(t, f.db.Where("sequence_id = ?", seq.ID).Delete(&models.SequenceStep{}).Error)

	fired, completed, err := f.eng.FireDue(ctx, t0)
	require.NoError(t, err)
	assert.Zero(t, fired)
	assert.Equal(t, 1, completed)
	assert.Equal(t, models.ContactCompleted, f.contact(t, seq.ID).Status)
}

func TestCreateSequenceDefaults(t *testing.T) {
	f := newFixture(t)
	seq := f.create(t,
		StepDefinition{Day: 3, Trigger: "d3", Content: "c"},
		StepDefinition{Day: 1, Trigger: " d1 ", NextTrigger: "d3", Content: "a", MinDelaySeconds: 9, MaxDelaySeconds: 4},
	)

	assert.True(t, seq.Active)
	assert.Equal(t, "d1", seq.Trigger)
	require.Len(t, seq.Steps, 2)
	assert.Equal(t, "d1", seq.Steps[0].Trigger)
	assert.True(t, seq.Steps[0].IsEntryPoint)
	assert.False(t, seq.Steps[1].IsEntryPoint)
	assert.Equal(t, 4, seq.Steps[0].MinDelaySeconds)
	assert.Equal(t, 9, seq.Steps[0].MaxDelaySeconds)

	got, err := f.svc.Get(context.Background(), seq.ID)
	require.NoError(t, err)
	require.Len(t, got.Steps, 2)
	assert.Equal(t, 1, got.Steps[0].Day)
	assert.True(t, got.Steps[0].IsEntryPoint)

	_, err = f.svc.Get(context.Background(), 999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreateSequenceValidation(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name string
		def  Definition
	}{
		{"no name", Definition{Steps: []StepDefinition{{Trigger: "a", Content: "x"}}}},
		{"no steps", Definition{Name: "s"}},
		{"empty trigger", Definition{Name: "s", Steps: []StepDefinition{{Content: "x"}}}},
		{"duplicate trigger", Definition{Name: "s", Steps: []StepDefinition{{Trigger: "a", Content: "x"}, {Trigger: "a", Content: "y"}}}},
		{"no content", Definition{Name: "s", Steps: []StepDefinition{{Trigger: "a"}}}},
		{"self loop", Definition{Name: "s", Steps: []StepDefinition{{Trigger: "a", NextTrigger: "a", Content: "x"}}}},
		{"cycle", Definition{Name: "s", Steps: []StepDefinition{
			{Day: 1, Trigger: "a", NextTrigger: "b", Content: "x"},
			{Day: 2, Trigger: "b", NextTrigger: "c", Content: "y"},
			{Day: 3, Trigger: "c", NextTrigger: "b", Content: "z"},
		}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.CreateSequence(context.Background(), tt.def)
			require.Error(t, err)
			assert.True(t, apperr.IsValidation(err))
		})
	}

	var n int64
	require.NoError(t, f.db.Model(&models.Sequence{}).Count(&n).Error)
	assert.Zero(t, n)
}

func TestContactCounts(t *testing.T) {
	f := newFixture(t)
	seq := f.create(t,
		StepDefinition{Day: 1, Trigger: "welcome", NextTrigger: "next", Content: "one"},
		StepDefinition{Day: 2, Trigger: "next", TriggerDelayHours: 1, Content: "two"},
	)
	require.NoError(t, f.db.Create(&models.Lead{DeviceID: "dev-1", Name: "Badrul", Phone: "60112", Trigger: "welcome"}).Error)

	_, err := f.eng.Enroll(context.Background(), t0)
	require.NoError(t, err)

	counts, err := f.svc.ContactCounts(context.Background(), seq.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, counts[models.ContactActive])
	assert.EqualValues(t, 0, counts[models.ContactCompleted])
}
