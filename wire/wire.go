// Package wire defines the JSON frames exchanged over the speech channel.
package wire

// Operations understood by the speech channel.
const (
	OpTranscribe = "transcribe"
	OpComplete   = "complete"
	OpSynthesize = "synthesize"
)

// ErrModelLoading is the error text sent while the speech model warms up.
// EstimatedTime carries the suggested wait.
const ErrModelLoading = "model loading"

// Request is a client frame. Audio is a data URL.
type Request struct {
	ID    string `json:"id"`
	Op    string `json:"op"`
	Audio string `json:"audio,omitempty"`
	Text  string `json:"text,omitempty"`
}

// Response answers the request with the same ID.
type Response struct {
	ID            string  `json:"id"`
	Op            string  `json:"op"`
	Text          string  `json:"text,omitempty"`
	Audio         string  `json:"audio,omitempty"`
	Error         string  `json:"error,omitempty"`
	EstimatedTime float64 `json:"estimated_time,omitempty"`
}
