package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	DeviceOnline  = "online"
	DeviceOffline = "offline"
)

// Lead is a contact on a device. Leads are owned by the CRM side and are only
// read here.
type Lead struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	DeviceID     string    `gorm:"type:varchar(64);index;not null" json:"device_id"`
	UserID       string    `gorm:"type:varchar(64);index" json:"user_id"`
	Name         string    `gorm:"type:varchar(255)" json:"name"`
	Phone        string    `gorm:"type:varchar(32);not null" json:"phone"`
	Niche        string    `gorm:"type:text" json:"niche"`   // comma separated
	TargetStatus string    `gorm:"type:varchar(50)" json:"target_status"`
	Trigger      string    `gorm:"type:text" json:"trigger"` // comma separated
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (Lead) TableName() string {
	return "leads"
}

// Device is one outbound channel bound to one transport credential.
type Device struct {
	ID              string    `gorm:"primaryKey;type:varchar(64)" json:"id"`
	UserID          string    `gorm:"type:varchar(64);index" json:"user_id"`
	Name            string    `gorm:"type:varchar(255)" json:"name"`
	Phone           string    `gorm:"type:varchar(32)" json:"phone"`
	Status          string    `gorm:"type:varchar(20);default:'offline'" json:"status"`
	PhoneNumberID   string    `gorm:"type:varchar(64)" json:"phone_number_id"`
	AccessToken     string    `gorm:"type:text" json:"-"`
	MinDelaySeconds int       `json:"min_delay_seconds"`
	MaxDelaySeconds int       `json:"max_delay_seconds"`
	UpdatedAt       time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Device) TableName() string {
	return "devices"
}

func (d Device) Online() bool {
	return d.Status == DeviceOnline
}

const (
	CampaignPending  = "pending"
	CampaignFinished = "finished"
)

// Campaign is a one-shot lead-matching broadcast fired once at ScheduledAt.
type Campaign struct {
	ID              uint       `gorm:"primaryKey" json:"id"`
	UserID          string     `gorm:"type:varchar(64);index;not null" json:"user_id"`
	Title           string     `gorm:"type:varchar(255)" json:"title"`
	Niche           string     `gorm:"type:varchar(255);not null" json:"niche"`
	TargetStatus    string     `gorm:"type:varchar(50);default:'prospect'" json:"target_status"`
	Message         string     `gorm:"type:text" json:"message"`
	ImageURL        string     `gorm:"type:text" json:"image_url"`
	CampaignDate    string     `gorm:"type:varchar(10)" json:"campaign_date"`
	TimeSchedule    string     `gorm:"type:varchar(5)" json:"time_schedule"`
	Timezone        string     `gorm:"type:varchar(64)" json:"timezone"`
	ScheduledAt     time.Time  `gorm:"index;not null" json:"scheduled_at"`
	MinDelaySeconds int        `json:"min_delay_seconds"`
	MaxDelaySeconds int        `json:"max_delay_seconds"`
	Limit           int        `gorm:"column:lead_limit" json:"limit"`
	Status          string     `gorm:"type:varchar(20);index;default:'pending'" json:"status"`
	Version         int        `gorm:"not null;default:0" json:"version"`
	FinishedAt      *time.Time `json:"finished_at"`
	CreatedAt       time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Campaign) TableName() string {
	return "campaigns"
}

// Sequence is a named trigger-chained drip flow.
type Sequence struct {
	ID              uint           `gorm:"primaryKey" json:"id"`
	UserID          string         `gorm:"type:varchar(64);index" json:"user_id"`
	Name            string         `gorm:"type:varchar(255);not null" json:"name"`
	Description     string         `gorm:"type:text" json:"description"`
	Niche           string         `gorm:"type:varchar(255)" json:"niche"`
	Trigger         string         `gorm:"type:varchar(255);index" json:"trigger"`
	Active          bool           `gorm:"not null" json:"active"`
	MinDelaySeconds int            `json:"min_delay_seconds"`
	MaxDelaySeconds int            `json:"max_delay_seconds"`
	Steps           []SequenceStep `gorm:"foreignKey:SequenceID" json:"steps,omitempty"`
	CreatedAt       time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Sequence) TableName() string {
	return "sequences"
}

type SequenceStep struct {
	ID                uint   `gorm:"primaryKey" json:"id"`
	SequenceID        uint   `gorm:"index;not null" json:"sequence_id"`
	Day               int    `gorm:"not null" json:"day"`
	Trigger           string `gorm:"type:varchar(255);index" json:"trigger"`
	NextTrigger       string `gorm:"type:varchar(255)" json:"next_trigger"`
	TriggerDelayHours int    `json:"trigger_delay_hours"`
	IsEntryPoint      bool   `gorm:"not null" json:"is_entry_point"`
	Content           string `gorm:"type:text" json:"content"`
	MediaURL          string `gorm:"type:text" json:"media_url"`
	MinDelaySeconds   int    `json:"min_delay_seconds"`
	MaxDelaySeconds   int    `json:"max_delay_seconds"`
}

func (SequenceStep) TableName() string {
	return "sequence_steps"
}

// Delay is the wait before this step sends. Negative values clamp to zero so
// the contact fires immediately instead of stalling.
func (s SequenceStep) Delay() time.Duration {
	if s.TriggerDelayHours <= 0 {
		return 0
	}
	return time.Duration(s.TriggerDelayHours) * time.Hour
}

const (
	ContactActive    = "active"
	ContactPending   = "pending"
	ContactCompleted = "completed"
)

// SequenceContact is the per-contact progress through one sequence. The
// unique (sequence_id, contact_phone) index means a contact can hold at most
// one row per sequence, so it can neither be active twice nor re-enter after
// completion.
type SequenceContact struct {
	ID              uint       `gorm:"primaryKey" json:"id"`
	SequenceID      uint       `gorm:"not null;uniqueIndex:idx_sequence_contact" json:"sequence_id"`
	ContactPhone    string     `gorm:"type:varchar(32);not null;uniqueIndex:idx_sequence_contact" json:"contact_phone"`
	ContactName     string     `gorm:"type:varchar(255)" json:"contact_name"`
	DeviceID        string     `gorm:"type:varchar(64);index" json:"device_id"`
	CurrentStep     int        `json:"current_step"`
	CurrentStepID   uint       `json:"current_step_id"`
	CurrentTrigger  string     `gorm:"type:varchar(255)" json:"current_trigger"`
	Status          string     `gorm:"type:varchar(20);index:idx_contact_due,priority:1;not null" json:"status"`
	NextTriggerTime time.Time  `gorm:"index:idx_contact_due,priority:2" json:"next_trigger_time"`
	CompletedAt     *time.Time `json:"completed_at"`
	Version         int        `gorm:"not null;default:0" json:"version"`
	CreatedAt       time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (SequenceContact) TableName() string {
	return "sequence_contacts"
}

const (
	MessagePending    = "pending"
	MessageProcessing = "processing"
	MessageSent       = "sent"
	MessageFailed     = "failed"
)

// BroadcastMessage is one unit of outbound delivery work.
type BroadcastMessage struct {
	ID                 string     `gorm:"primaryKey;type:varchar(36)" json:"id"`
	DeviceID           string     `gorm:"type:varchar(64);not null;index:idx_message_due,priority:1" json:"device_id"`
	RecipientPhone     string     `gorm:"type:varchar(32);not null;uniqueIndex:idx_campaign_recipient,priority:2;uniqueIndex:idx_step_recipient,priority:2" json:"recipient_phone"`
	RecipientName      string     `gorm:"type:varchar(255)" json:"recipient_name"`
	Content            string     `gorm:"type:text" json:"content"`
	MediaURL           string     `gorm:"type:text" json:"media_url"`
	CampaignID         *uint      `gorm:"uniqueIndex:idx_campaign_recipient,priority:1" json:"campaign_id"`
	SequenceID         *uint      `gorm:"index" json:"sequence_id"`
	SequenceStepID     *uint      `gorm:"uniqueIndex:idx_step_recipient,priority:1" json:"sequence_step_id"`
	Status             string     `gorm:"type:varchar(20);not null;index:idx_message_due,priority:2" json:"status"`
	ScheduledAt        time.Time  `gorm:"not null;index:idx_message_due,priority:3" json:"scheduled_at"`
	ProcessingWorkerID *string    `gorm:"type:varchar(128)" json:"processing_worker_id"`
	ClaimedAt          *time.Time `json:"claimed_at"`
	Attempts           int        `gorm:"not null;default:0" json:"attempts"`
	ErrorCode          string     `gorm:"type:varchar(50)" json:"error_code,omitempty"`
	ErrorMessage       string     `gorm:"type:text" json:"error_message,omitempty"`
	SentAt             *time.Time `json:"sent_at"`
	MinDelaySeconds    int        `json:"min_delay_seconds"`
	MaxDelaySeconds    int        `json:"max_delay_seconds"`
	CreatedAt          time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (BroadcastMessage) TableName() string {
	return "broadcast_messages"
}

func (m *BroadcastMessage) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	return nil
}

// DeviceLease pins a device to a single worker across processes.
type DeviceLease struct {
	DeviceID  string    `gorm:"primaryKey;type:varchar(64)" json:"device_id"`
	WorkerID  string    `gorm:"type:varchar(128);not null" json:"worker_id"`
	ExpiresAt time.Time `gorm:"not null" json:"expires_at"`
	Version   int       `gorm:"not null;default:0" json:"version"`
}

func (DeviceLease) TableName() string {
	return "device_leases"
}

// All lists every table the engine migrates.
func All() []interface{} {
	return []interface{}{
		&Lead{},
		&Device{},
		&Campaign{},
		&Sequence{},
		&SequenceStep{},
		&SequenceContact{},
		&BroadcastMessage{},
		&DeviceLease{},
	}
}
