package snapshot

// Encoding values for persisted file content.
const (
	EncodingPlain  = "plain"
	EncodingBase64 = "base64"
)

// File is one persisted workspace file. Binary payloads never carry raw
// bytes in Content; they are base64 text with Encoding set accordingly.
type File struct {
	Content  string `json:"content"`
	IsBinary bool   `json:"isBinary"`
	Encoding string `json:"encoding"`
}

// FileState maps normalized workspace-relative paths to file snapshots.
type FileState map[string]File

// TerminalState captures ephemeral terminal UI flags. Best-effort only;
// losing it never fails a restore.
type TerminalState struct {
	Visible bool `json:"visible"`
}

// WorkbenchState captures the active workbench view.
type WorkbenchState struct {
	CurrentView  string `json:"currentView,omitempty"`
	ShowTerminal bool   `json:"showTerminal"`
}

// EditorState captures the selected file in the editor pane.
type EditorState struct {
	SelectedFile string `json:"selectedFile,omitempty"`
}
