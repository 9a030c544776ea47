package models

import "fmt"

type OriginKind int

const (
	OriginUnknown OriginKind = iota
	OriginCampaign
	OriginSequence
)

func (k OriginKind) String() string {
	switch k {
	case OriginCampaign:
		return "campaign"
	case OriginSequence:
		return "sequence"
	default:
		return "unknown"
	}
}

// Origin records what produced a BroadcastMessage: a campaign, or a step of a
// sequence.
type Origin struct {
	Kind       OriginKind
	CampaignID uint
	SequenceID uint
	StepID     uint
}

func CampaignOrigin(id uint) Origin {
	return Origin{Kind: OriginCampaign, CampaignID: id}
}

func SequenceOrigin(sequenceID, stepID uint) Origin {
	return Origin{Kind: OriginSequence, SequenceID: sequenceID, StepID: stepID}
}

func (o Origin) String() string {
	switch o.Kind {
	case OriginCampaign:
		return fmt.Sprintf("campaign:%d", o.CampaignID)
	case OriginSequence:
		return fmt.Sprintf("sequence:%d/step:%d", o.SequenceID, o.StepID)
	default:
		return "unknown"
	}
}

// Origin decodes the stored foreign keys.
func (m BroadcastMessage) Origin() Origin {
	switch {
	case m.CampaignID != nil:
		return CampaignOrigin(*m.CampaignID)
	case m.SequenceID != nil && m.SequenceStepID != nil:
		return SequenceOrigin(*m.SequenceID, *m.SequenceStepID)
	default:
		return Origin{}
	}
}

// SetOrigin writes exactly one origin's foreign keys and clears the other.
func (m *BroadcastMessage) SetOrigin(o Origin) {
	m.CampaignID, m.SequenceID, m.SequenceStepID = nil, nil, nil
	switch o.Kind {
	case OriginCampaign:
		id := o.CampaignID
		m.CampaignID = &id
	case OriginSequence:
		seq, step := o.SequenceID, o.StepID
		m.SequenceID = &seq
		m.SequenceStepID = &step
	}
}
