package models

import (
	"fmt"
	"strings"
	"time"
)

// Message types stored in the messages table.
const (
	MessageTypeApp    = "app"
	MessageTypeCommit = "commit"
)

// Event kinds carried in event-stream envelopes. Envelopes hold routing
// metadata only; clients fetch and decrypt message bodies separately.
const (
	EventMessage            = "message"
	EventCommit             = "commit"
	EventMemberAdded        = "member_added"
	EventMemberRemoved      = "member_removed"
	EventWelcomeAvailable   = "welcome_available"
	EventGenerateWelcomeFor = "generate_welcome_for"
)

// Conversation is a logical MLS group. The server tracks its epoch and
// membership but never sees group secrets or plaintext.
type Conversation struct {
	ID           string    `json:"id"`
	CreatorDID   string    `json:"creator_did"`
	CipherSuite  string    `json:"cipher_suite"`
	CurrentEpoch uint64    `json:"current_epoch"`
	Metadata     []byte    `json:"metadata,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Member is a (conversation, device) pair. Each MLS identity is a device,
// not a user. A member is active iff LeftAt is nil.
type Member struct {
	ConversationID string     `json:"conversation_id"`
	DeviceMLSDID   string     `json:"device_mls_did"`
	UserDID        string     `json:"user_did"`
	DeviceID       string     `json:"device_id"`
	LeafIndex      int32      `json:"leaf_index"`
	IsAdmin        bool       `json:"is_admin"`
	PromoterDID    string     `json:"promoter_did,omitempty"`
	NeedsRejoin    bool       `json:"needs_rejoin,omitempty"`
	JoinedAt       time.Time  `json:"joined_at"`
	LeftAt         *time.Time `json:"left_at,omitempty"`
}

// Active reports whether the member currently belongs to the conversation.
func (m Member) Active() bool { return m.LeftAt == nil }

// Device is a user's device identity. Signature public keys are unique per
// user; the device MLS DID is unique across the system.
type Device struct {
	UserDID      string     `json:"user_did"`
	DeviceID     string     `json:"device_id"`
	DeviceMLSDID string     `json:"device_mls_did"`
	Name         string     `json:"name,omitempty"`
	SignatureKey []byte     `json:"signature_key"`
	PushToken    *string    `json:"push_token,omitempty"`
	LastSeen     *time.Time `json:"last_seen,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// Message is an opaque ciphertext with routing metadata. No sender identity
// is ever stored; the sender_did column exists but is always written NULL.
type Message struct {
	ID              ULID      `json:"id"`
	ConversationID  string    `json:"conversation_id"`
	MessageType     string    `json:"message_type"`
	Epoch           uint64    `json:"epoch"`
	Seq             uint64    `json:"seq"`
	Ciphertext      []byte    `json:"ciphertext"`
	ClientMessageID string    `json:"client_message_id"`
	DeclaredSize    int32     `json:"declared_size"`
	PaddedSize      int32     `json:"padded_size"`
	ReceivedBucket  time.Time `json:"received_bucket_ts"`
	CreatedAt       time.Time `json:"created_at"`
	ExpiresAt       time.Time `json:"expires_at"`
	IdempotencyKey  *string   `json:"-"`
}

// KeyPackage is a one-shot MLS pre-key, content-addressed by hash.
// Consumption happens at most once, atomically with the commit that uses it.
type KeyPackage struct {
	Hash           string     `json:"hash"`
	DeviceMLSDID   string     `json:"device_mls_did"`
	Data           []byte     `json:"data"`
	ExpiresAt      time.Time  `json:"expires_at"`
	CreatedAt      time.Time  `json:"created_at"`
	ConsumedAt     *time.Time `json:"consumed_at,omitempty"`
	ConsumerConvoID *string   `json:"consumer_conversation_id,omitempty"`
}

// Welcome is a pending MLS Welcome destined to a specific device, recoverable
// for a bounded grace window after first fetch.
type Welcome struct {
	ConversationID string     `json:"conversation_id"`
	RecipientDID   string     `json:"recipient_device_mls_did"`
	KeyPackageHash string     `json:"key_package_hash"`
	WelcomeData    []byte     `json:"welcome"`
	CommitData     []byte     `json:"commit"`
	ProducerDID    string     `json:"producer_did"`
	CreatedAt      time.Time  `json:"created_at"`
	FirstFetchedAt *time.Time `json:"first_fetched_at,omitempty"`
	ConsumedAt     *time.Time `json:"consumed_at,omitempty"`
}

// StreamEvent is the minimal routing envelope emitted for every message and
// membership event. It never carries ciphertext or a sender identity.
type StreamEvent struct {
	Cursor         ULID   `json:"cursor"`
	ConversationID string `json:"conversation_id"`
	Kind           string `json:"kind"`
	EntityID       string `json:"entity_id,omitempty"`
}

// RejoinRequest marks a device waiting for a peer-generated Welcome.
// Unfulfilled requests expire after a bounded interval.
type RejoinRequest struct {
	ConversationID string    `json:"conversation_id"`
	DeviceMLSDID   string    `json:"device_mls_did"`
	RequestedAt    time.Time `json:"requested_at"`
}

// MemberReport is an opaque encrypted report readable only by conversation
// admins. The server stores the blob without interpreting it.
type MemberReport struct {
	ID             ULID      `json:"id"`
	ConversationID string    `json:"conversation_id"`
	ReportedDID    string    `json:"reported_did"`
	ReporterDID    string    `json:"reporter_did"`
	Content        []byte    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}

// DeviceMLSDID builds the composite device identity <user-did>#<device-id>.
func DeviceMLSDID(userDID, deviceID string) string {
	return userDID + "#" + deviceID
}

// SplitDeviceMLSDID splits a composite device identity into its user DID and
// device id parts.
func SplitDeviceMLSDID(dmid string) (userDID, deviceID string, err error) {
	i := strings.LastIndex(dmid, "#")
	if i <= 0 || i == len(dmid)-1 {
		return "", "", fmt.Errorf("malformed device MLS DID %q", dmid)
	}
	return dmid[:i], dmid[i+1:], nil
}

// QuantizeReceivedAt rounds t down to the given bucket granularity. Message
// arrival times are stored at bucket granularity to reduce timing side
// channels; the default bucket is two seconds.
func QuantizeReceivedAt(t time.Time, bucket time.Duration) time.Time {
	if bucket <= 0 {
		return t
	}
	return t.Truncate(bucket)
}
