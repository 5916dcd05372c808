package daemon

// Envelope is unmarshaled first to sniff the message type before decoding
// the full, type-specific payload — the same tagged-union dispatch idiom
// used by the relay's WS protocol.
type Envelope struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
}

// Client -> Daemon requests.

type listSessionsRequest struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
}

type createSessionRequest struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
	Name string `json:"name"`
}

type deleteSessionRequest struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
	Name string `json:"name"`
}

type renameSessionRequest struct {
	Type    string `json:"type"`
	ID      string `json:"id,omitempty"`
	OldName string `json:"oldName"`
	NewName string `json:"newName"`
}

type attachRequest struct {
	Type     string `json:"type"`
	ID       string `json:"id,omitempty"`
	ClientID string `json:"clientId"`
	Session  string `json:"session"`
	Cols     int    `json:"cols,omitempty"`
	Rows     int    `json:"rows,omitempty"`
}

type detachRequest struct {
	Type     string `json:"type"`
	ID       string `json:"id,omitempty"`
	ClientID string `json:"clientId"`
}

type inputRequest struct {
	Type     string `json:"type"`
	ClientID string `json:"clientId"`
	Data     string `json:"data"`
}

type resizeRequest struct {
	Type     string `json:"type"`
	ClientID string `json:"clientId"`
	Cols     int    `json:"cols"`
	Rows     int    `json:"rows"`
}

type getShortcutsRequest struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
}

type setShortcutsRequest struct {
	Type      string     `json:"type"`
	ID        string     `json:"id,omitempty"`
	Shortcuts []Shortcut `json:"shortcuts"`
}

type vtermSnapshotRequest struct {
	Type    string `json:"type"`
	ID      string `json:"id,omitempty"`
	Session string `json:"session"`
}

// Daemon -> Client responses and broadcasts.

type sessionSummary struct {
	Name  string `json:"name"`
	Pid   int    `json:"pid"`
	Alive bool   `json:"alive"`
}

type listSessionsResponse struct {
	Type     string           `json:"type"`
	ID       string           `json:"id,omitempty"`
	Sessions []sessionSummary `json:"sessions"`
}

type nameResponse struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
	Name string `json:"name"`
}

type okResponse struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
	OK   bool   `json:"ok"`
}

type errorResponse struct {
	Type    string `json:"type"`
	ID      string `json:"id,omitempty"`
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

type attachResponse struct {
	Type   string `json:"type"`
	ID     string `json:"id,omitempty"`
	Buffer string `json:"buffer"`
	Alive  bool   `json:"alive"`
}

type shortcutsResponse struct {
	Type      string     `json:"type"`
	ID        string     `json:"id,omitempty"`
	Shortcuts []Shortcut `json:"shortcuts"`
}

type vtermSnapshotResponse struct {
	Type      string   `json:"type"`
	ID        string   `json:"id,omitempty"`
	Screen    []string `json:"screen"`
	CursorRow int      `json:"cursorRow"`
	CursorCol int      `json:"cursorCol"`
}

// Broadcasts (no id; pushed to every connected socket).

type outputBroadcast struct {
	Type    string `json:"type"`
	Session string `json:"session"`
	Data    string `json:"data"`
}

type exitBroadcast struct {
	Type    string `json:"type"`
	Session string `json:"session"`
	Code    int    `json:"code"`
}

type sessionRemovedBroadcast struct {
	Type    string `json:"type"`
	Session string `json:"session"`
}

type sessionRenamedBroadcast struct {
	Type    string `json:"type"`
	Session string `json:"session"`
	NewName string `json:"newName"`
}

// Shortcut is one entry of the persisted shortcuts.json list.
type Shortcut struct {
	Keys    string `json:"keys"`
	Command string `json:"command"`
}
