package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestOriginRoundTrip(t *testing.T) {
	var m BroadcastMessage

	m.SetOrigin(CampaignOrigin(7))
	assert.Equal(t, CampaignOrigin(7), m.Origin())
	assert.Nil(t, m.SequenceID)
	assert.Nil(t, m.SequenceStepID)

	m.SetOrigin(SequenceOrigin(3, 11))
	assert.Equal(t, SequenceOrigin(3, 11), m.Origin())
	assert.Nil(t, m.CampaignID)
	assert.Equal(t, "sequence:3/step:11", m.Origin().String())
}

func TestOriginUnknown(t *testing.T) {
	m := BroadcastMessage{}
	assert.Equal(t, OriginUnknown, m.Origin().Kind)
	assert.Equal(t, "unknown", m.Origin().Kind.String())
}

func TestStepDelayClampsNegative(t *testing.T) {
	assert.Equal(t, time.Duration(0), SequenceStep{TriggerDelayHours: -5}.Delay())
	assert.Equal(t, time.Duration(0), SequenceStep{}.Delay())
	assert.Equal(t, 24*time.Hour, SequenceStep{TriggerDelayHours: 24}.Delay())
}
