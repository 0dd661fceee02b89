package protocol

import (
	"encoding/json"
	"sort"
	"strconv"
)

// Message names used on the wire.
const (
	NameAuth               = "auth"
	NameCreateUser         = "create_user"
	NameRequestCredentials = "request_credentials"
	NameCredentials        = "credentials"
	NameRoomInfo           = "room_info"
	NameGetBuf             = "get_buf"
	NameCreateBuf          = "create_buf"
	NameSetBuf             = "set_buf"
	NamePatch              = "patch"
	NameRenameBuf          = "rename_buf"
	NameDeleteBuf          = "delete_buf"
	NameSaved              = "saved"
	NameHighlight          = "highlight"
	NameJoin               = "join"
	NamePart               = "part"
	NamePerms              = "perms"
	NameRequestPerms       = "request_perms"
	NameError              = "error"
	NameDisconnect         = "disconnect"
	NameAck                = "ack"
	NamePing               = "ping"
	NamePong               = "pong"
)

// Message is one decoded protocol message.
type Message interface {
	MessageName() string
}

// Auth joins a workspace.
type Auth struct {
	Username           string   `json:"username"`
	Secret             string   `json:"secret,omitempty"`
	APIKey             string   `json:"api_key,omitempty"`
	RoomOwner          string   `json:"room_owner"`
	Room               string   `json:"room"`
	Client             string   `json:"client"`
	Platform           string   `json:"platform"`
	Version            string   `json:"version"`
	SupportedEncodings []string `json:"supported_encodings"`
	ClientID           string   `json:"client_id,omitempty"`
}

// CreateUser asks the server for a fresh anonymous account.
type CreateUser struct {
	Username string `json:"username,omitempty"`
	Client   string `json:"client"`
	Platform string `json:"platform"`
	Version  string `json:"version"`
}

// RequestCredentials asks the server to hand out credentials linked to token.
type RequestCredentials struct {
	Token    string `json:"token"`
	Client   string `json:"client"`
	Platform string `json:"platform"`
	Version  string `json:"version"`
}

// Credentials is the server's reply to CreateUser and RequestCredentials.
type Credentials struct {
	Username string `json:"username"`
	Secret   string `json:"secret"`
	APIKey   string `json:"api_key,omitempty"`
}

// BufInfo is one entry of the workspace manifest.
type BufInfo struct {
	ID       int    `json:"id"`
	Path     string `json:"path"`
	MD5      string `json:"md5"`
	Encoding string `json:"encoding"`
}

// User is a member of the workspace.
type User struct {
	UserID   int      `json:"user_id"`
	Username string   `json:"username"`
	Client   string   `json:"client,omitempty"`
	Platform string   `json:"platform,omitempty"`
	Perms    []string `json:"perms,omitempty"`
}

// RoomInfo carries the full workspace state sent after a successful auth.
type RoomInfo struct {
	UserID   int                `json:"user_id"`
	Owner    string             `json:"owner,omitempty"`
	RoomName string             `json:"room_name,omitempty"`
	Perms    []string           `json:"perms"`
	Bufs     map[string]BufInfo `json:"bufs"`
	Users    map[string]User    `json:"users"`
	MaxSize  int64              `json:"max_size,omitempty"`
}

// Buffers returns the manifest ordered by buffer id. Entries whose id field
// is missing take the id from their map key.
func (r *RoomInfo) Buffers() []BufInfo {
	out := make([]BufInfo, 0, len(r.Bufs))
	for key, b := range r.Bufs {
		if b.ID == 0 {
			if id, err := strconv.Atoi(key); err == nil {
				b.ID = id
			}
		}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// GetBuf requests a full buffer body, and is also the server's reply.
type GetBuf struct {
	ID       int    `json:"id"`
	Path     string `json:"path,omitempty"`
	Buf      string `json:"buf,omitempty"`
	MD5      string `json:"md5,omitempty"`
	Encoding string `json:"encoding,omitempty"`
}

// CreateBuf announces a new buffer. The id is assigned by the server.
type CreateBuf struct {
	ID       int    `json:"id,omitempty"`
	Path     string `json:"path"`
	Buf      string `json:"buf"`
	MD5      string `json:"md5"`
	Encoding string `json:"encoding"`
}

// SetBuf replaces a buffer body wholesale.
type SetBuf struct {
	ID       int    `json:"id"`
	Path     string `json:"path,omitempty"`
	Buf      string `json:"buf"`
	MD5      string `json:"md5"`
	Encoding string `json:"encoding"`
}

// Patch carries an incremental change to a buffer.
type Patch struct {
	ID        int    `json:"id"`
	Path      string `json:"path"`
	MD5Before string `json:"md5_before"`
	MD5After  string `json:"md5_after"`
	Patch     string `json:"patch"`
	UserID    int    `json:"user_id,omitempty"`
	Username  string `json:"username,omitempty"`
}

// RenameBuf moves a buffer.
type RenameBuf struct {
	ID      int    `json:"id"`
	Path    string `json:"path"`
	OldPath string `json:"old_path,omitempty"`
}

// DeleteBuf removes a buffer. Unlink asks clients to remove the file too.
type DeleteBuf struct {
	ID     int    `json:"id"`
	Path   string `json:"path,omitempty"`
	Unlink bool   `json:"unlink"`
}

// Saved reports that a user saved a buffer.
type Saved struct {
	ID     int `json:"id"`
	UserID int `json:"user_id,omitempty"`
}

// Highlight broadcasts a cursor or selection.
type Highlight struct {
	ID        int      `json:"id"`
	Ranges    [][2]int `json:"ranges"`
	Ping      bool     `json:"ping,omitempty"`
	Summon    bool     `json:"summon,omitempty"`
	Following bool     `json:"following,omitempty"`
	UserID    int      `json:"user_id,omitempty"`
	Username  string   `json:"username,omitempty"`
}

// Join reports a user entering the workspace.
type Join struct {
	User
}

// Part reports a user leaving the workspace.
type Part struct {
	UserID   int    `json:"user_id"`
	Username string `json:"username,omitempty"`
}

// Perms changes a user's permissions.
type Perms struct {
	UserID int      `json:"user_id"`
	Perms  []string `json:"perms"`
	Action string   `json:"action,omitempty"`
}

// RequestPerms asks the workspace owner for permissions.
type RequestPerms struct {
	UserID int      `json:"user_id,omitempty"`
	Perms  []string `json:"perms"`
}

// Error is a server-side error report.
type Error struct {
	Msg   string `json:"msg"`
	Flash bool   `json:"flash,omitempty"`
}

// Disconnect ends the session from the server side.
type Disconnect struct {
	Reason string `json:"reason"`
}

// Ack acknowledges a request.
type Ack struct{}

// Ping is a server heartbeat.
type Ping struct{}

// Pong answers a Ping.
type Pong struct{}

// Unknown is any message whose name is not recognized.
type Unknown struct {
	Name string
	Raw  json.RawMessage
}

func (*Auth) MessageName() string               { return NameAuth }
func (*CreateUser) MessageName() string         { return NameCreateUser }
func (*RequestCredentials) MessageName() string { return NameRequestCredentials }
func (*Credentials) MessageName() string        { return NameCredentials }
func (*RoomInfo) MessageName() string           { return NameRoomInfo }
func (*GetBuf) MessageName() string             { return NameGetBuf }
func (*CreateBuf) MessageName() string          { return NameCreateBuf }
func (*SetBuf) MessageName() string             { return NameSetBuf }
func (*Patch) MessageName() string              { return NamePatch }
func (*RenameBuf) MessageName() string          { return NameRenameBuf }
func (*DeleteBuf) MessageName() string          { return NameDeleteBuf }
func (*Saved) MessageName() string              { return NameSaved }
func (*Highlight) MessageName() string          { return NameHighlight }
func (*Join) MessageName() string               { return NameJoin }
func (*Part) MessageName() string               { return NamePart }
func (*Perms) MessageName() string              { return NamePerms }
func (*RequestPerms) MessageName() string       { return NameRequestPerms }
func (*Error) MessageName() string              { return NameError }
func (*Disconnect) MessageName() string         { return NameDisconnect }
func (*Ack) MessageName() string                { return NameAck }
func (*Ping) MessageName() string               { return NamePing }
func (*Pong) MessageName() string               { return NamePong }
func (u *Unknown) MessageName() string          { return u.Name }

// registry maps wire names to constructors of their decoded form.
var registry = map[string]func() Message{
	NameAuth:               func() Message { return &Auth{} },
	NameCreateUser:         func() Message { return &CreateUser{} },
	NameRequestCredentials: func() Message { return &RequestCredentials{} },
	NameCredentials:        func() Message { return &Credentials{} },
	NameRoomInfo:           func() Message { return &RoomInfo{} },
	NameGetBuf:             func() Message { return &GetBuf{} },
	NameCreateBuf:          func() Message { return &CreateBuf{} },
	NameSetBuf:             func() Message { return &SetBuf{} },
	NamePatch:              func() Message { return &Patch{} },
	NameRenameBuf:          func() Message { return &RenameBuf{} },
	NameDeleteBuf:          func() Message { return &DeleteBuf{} },
	NameSaved:              func() Message { return &Saved{} },
	NameHighlight:          func() Message { return &Highlight{} },
	NameJoin:               func() Message { return &Join{} },
	NamePart:               func() Message { return &Part{} },
	NamePerms:              func() Message { return &Perms{} },
	NameRequestPerms:       func() Message { return &RequestPerms{} },
	NameError:              func() Message { return &Error{} },
	NameDisconnect:         func() Message { return &Disconnect{} },
	NameAck:                func() Message { return &Ack{} },
	NamePing:               func() Message { return &Ping{} },
	NamePong:               func() Message { return &Pong{} },
}
