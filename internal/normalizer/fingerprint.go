package normalizer

import (
	"encoding/hex"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"

	"go-agent-presence/internal/core"
)

// tsBucketLen is the length of an RFC 3339 timestamp truncated to the
// second ("2026-02-20T15:00:00").
const tsBucketLen = 19

// fingerprintKey separates fingerprint hashes from any other BLAKE3 use.
var fingerprintKey = [32]byte{
	'p', 'r', 'e', 's', 'e', 'n', 'c', 'e', '.', 'e', 'v', 'e', 'n', 't', '.',
	'f', 'i', 'n', 'g', 'e', 'r', 'p', 'r', 'i', 'n', 't', 0, 0, 0, 0, 0, 0,
}

// encMode encodes with Core Deterministic Encoding so map key order in the
// incoming JSON does not affect the hash.
var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("normalizer: CBOR encoder initialization failed: " + err.Error())
	}
}

// fingerprintInput is the tuple hashed for deduplication.
type fingerprintInput struct {
	_         struct{} `cbor:",toarray"`
	SessionID string
	AgentID   string
	Type      string
	ToolName  string
	TSBucket  string
	Payload   map[string]interface{}
}

// Fingerprint returns the deduplication key of a hook event: a hex BLAKE3
// digest over the session, agent, event type, tool name, the timestamp
// truncated to one second and the canonical encoding of the payload.
func Fingerprint(ev *core.Event) string {
	ts := ev.Timestamp
	if len(ts) > tsBucketLen {
		ts = ts[:tsBucketLen]
	}
	payload := ev.Payload
	if payload == nil {
		payload = map[string]interface{}{}
	}
	data, err := encMode.Marshal(fingerprintInput{
		SessionID: ev.SessionID,
		AgentID:   ev.AgentID,
		Type:      string(ev.Type),
		ToolName:  ev.PayloadString("tool_name"),
		TSBucket:  ts,
		Payload:   payload,
	})
	if err != nil {
		// payload came from JSON, so this only fires on hand-built events
		// carrying unencodable values; fall back to the id so the event is
		// never merged with another.
		data = []byte(ev.ID)
	}
	hasher, err := blake3.NewKeyed(fingerprintKey[:])
	if err != nil {
		panic("normalizer: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write(data)
	return hex.EncodeToString(hasher.Sum(nil))
}
