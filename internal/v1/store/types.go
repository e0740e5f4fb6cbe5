package store

// User is an account row. PasswordHash and SessionToken never leave the API
// boundary.
type User struct {
	ID            int64  `json:"id"`
	Username      string `json:"username"`
	Nickname      string `json:"nickname"`
	ProfileImage  string `json:"profile_image,omitempty"`
	Status        string `json:"status"`
	StatusMessage string `json:"status_message,omitempty"`
	CreatedAt     string `json:"created_at"`

	PasswordHash string `json:"-"`
	SessionToken string `json:"-"`
}

// Room is a bare rooms row.
type Room struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	Type      string `json:"type"`
	CreatedBy int64  `json:"created_by"`
	CreatedAt string `json:"created_at"`
}

// MessagePreview is the last-message snippet shown on the room list.
type MessagePreview struct {
	Content     string `json:"content"`
	SenderID    int64  `json:"sender_id"`
	SenderName  string `json:"sender_name"`
	MessageType string `json:"message_type"`
	CreatedAt   string `json:"created_at"`
}

// RoomSummary is one entry of a user's room list. For direct rooms Name holds
// the partner's display name and PartnerID their user id.
type RoomSummary struct {
	Room
	MemberCount int64           `json:"member_count"`
	UnreadCount int64           `json:"unread_count"`
	Pinned      bool            `json:"pinned"`
	Muted       bool            `json:"muted"`
	Role        string          `json:"role"`
	PartnerID   int64           `json:"partner_id,omitempty"`
	LastMessage *MessagePreview `json:"last_message,omitempty"`
}

// Member is a room membership joined with its user profile.
type Member struct {
	UserID        int64  `json:"id"`
	Username      string `json:"username"`
	Nickname      string `json:"nickname"`
	ProfileImage  string `json:"profile_image,omitempty"`
	Status        string `json:"status"`
	StatusMessage string `json:"status_message,omitempty"`
	Role          string `json:"role"`
	JoinedAt      string `json:"joined_at"`
	LastReadID    int64  `json:"last_read_message_id"`
}

// Message is a chat message joined with sender display fields and, when
// present, the replied-to preview.
type Message struct {
	ID          int64  `json:"id"`
	RoomID      int64  `json:"room_id"`
	SenderID    int64  `json:"sender_id"`
	SenderName  string `json:"sender_name"`
	Content     string `json:"content"`
	Encrypted   bool   `json:"encrypted"`
	MessageType string `json:"message_type"`
	FilePath    string `json:"file_path,omitempty"`
	FileName    string `json:"file_name,omitempty"`
	ReplyTo     int64  `json:"reply_to,omitempty"`
	CreatedAt   string `json:"created_at"`

	ReplyPreview *ReplyPreview     `json:"reply_preview,omitempty"`
	Reactions    map[string][]int64 `json:"reactions,omitempty"`
}

// ReplyPreview is the quoted fragment of a replied-to message.
type ReplyPreview struct {
	ID         int64  `json:"id"`
	SenderID   int64  `json:"sender_id"`
	SenderName string `json:"sender_name"`
	Content    string `json:"content"`
}

// SearchResult is the paginated envelope returned by message search.
type SearchResult struct {
	Messages []Message `json:"messages"`
	Total    int64     `json:"total"`
	Offset   int64     `json:"offset"`
	Limit    int64     `json:"limit"`
	HasMore  bool      `json:"has_more"`
}

// SearchFilter narrows advanced search. Zero values mean "no constraint".
type SearchFilter struct {
	Query       string
	RoomID      int64
	SenderID    int64
	MessageType string
	FileOnly    bool
	DateFrom    string
	DateTo      string
	Offset      int64
	Limit       int64
}

// PinnedMessage is a pin row with the pinner's display name.
type PinnedMessage struct {
	ID         int64  `json:"id"`
	RoomID     int64  `json:"room_id"`
	MessageID  int64  `json:"message_id,omitempty"`
	Content    string `json:"content"`
	PinnedBy   int64  `json:"pinned_by"`
	PinnedName string `json:"pinned_by_name"`
	PinnedAt   string `json:"pinned_at"`
}

// PollOption carries per-option tallies. Voters is omitted for anonymous
// polls.
type PollOption struct {
	ID        int64   `json:"id"`
	Text      string  `json:"text"`
	VoteCount int64   `json:"vote_count"`
	Voters    []int64 `json:"voters,omitempty"`
}

// Poll is a poll with its options and the caller's own votes.
type Poll struct {
	ID             int64        `json:"id"`
	RoomID         int64        `json:"room_id"`
	CreatedBy      int64        `json:"created_by"`
	CreatorName    string       `json:"creator_name"`
	Question       string       `json:"question"`
	MultipleChoice bool         `json:"multiple_choice"`
	Anonymous      bool         `json:"anonymous"`
	Closed         bool         `json:"closed"`
	EndsAt         string       `json:"ends_at,omitempty"`
	CreatedAt      string       `json:"created_at"`
	Options        []PollOption `json:"options"`
	MyVotes        []int64      `json:"my_votes,omitempty"`
	TotalVoters    int64        `json:"total_voters"`
}

// ReactionAggregate is the per-emoji tally with the reacting user ids.
type ReactionAggregate struct {
	Emoji   string  `json:"emoji"`
	Count   int64   `json:"count"`
	UserIDs []int64 `json:"user_ids"`
}

// RoomFile is an uploaded file attached to a room.
type RoomFile struct {
	ID           int64  `json:"id"`
	RoomID       int64  `json:"room_id"`
	MessageID    int64  `json:"message_id,omitempty"`
	FilePath     string `json:"file_path"`
	FileName     string `json:"file_name"`
	FileSize     int64  `json:"file_size"`
	FileType     string `json:"file_type"`
	UploadedBy   int64  `json:"uploaded_by"`
	UploaderName string `json:"uploader_name"`
	UploadedAt   string `json:"uploaded_at"`
}

// AccessLog is one authentication/audit trail row.
type AccessLog struct {
	ID        int64  `json:"id"`
	UserID    int64  `json:"user_id"`
	Username  string `json:"username"`
	Action    string `json:"action"`
	IPAddress string `json:"ip_address"`
	UserAgent string `json:"user_agent"`
	CreatedAt string `json:"created_at"`
}

// AdminAuditEntry records a privileged room action.
type AdminAuditEntry struct {
	ID           int64  `json:"id"`
	RoomID       int64  `json:"room_id"`
	ActorID      int64  `json:"actor_user_id"`
	ActorName    string `json:"actor_name"`
	TargetID     int64  `json:"target_user_id,omitempty"`
	TargetName   string `json:"target_name,omitempty"`
	Action       string `json:"action"`
	MetadataJSON string `json:"metadata,omitempty"`
	CreatedAt    string `json:"created_at"`
}

// Scan job lifecycle states.
const (
	ScanStatusPending  = "pending"
	ScanStatusScanning = "scanning"
	ScanStatusClean    = "clean"
	ScanStatusInfected = "infected"
	ScanStatusError    = "error"
)

// ScanJob tracks an asynchronous antivirus scan of an uploaded file.
type ScanJob struct {
	JobID     string `json:"job_id"`
	UserID    int64  `json:"user_id"`
	RoomID    int64  `json:"room_id"`
	TempPath  string `json:"-"`
	FinalPath string `json:"-"`
	FileName  string `json:"file_name"`
	FileType  string `json:"file_type"`
	FileSize  int64  `json:"file_size"`
	Status    string `json:"status"`
	Result    string `json:"result,omitempty"`
	Token     string `json:"token,omitempty"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// LastRead pairs a member with their last-read message id.
type LastRead struct {
	UserID     int64 `json:"user_id"`
	LastReadID int64 `json:"last_read_message_id"`
}
