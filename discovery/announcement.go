package discovery

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// MessageKind tags discovery datagrams. Anything else sharing the broadcast
// domain is discarded on the kind check alone.
const MessageKind = "discovery"

// Announcement is the discovery wire record. Receivers ignore unknown fields
// so that newer senders can add fields without breaking older instances.
type Announcement struct {
	Kind        string `json:"kind"`
	Tenant      string `json:"tenant"`
	SenderName  string `json:"senderName"`
	SenderIP    string `json:"senderIP"`
	ServicePort int    `json:"servicePort"`
	SentAt      int64  `json:"sentAtEpochMillis"`
}

var (
	errWrongKind        = errors.New("not a discovery message")
	errIncompleteRecord = errors.New("incomplete announcement")
)

func decodeAnnouncement(payload []byte) (Announcement, error) {
	announcement := Announcement{}
	if err := json.Unmarshal(payload, &announcement); err != nil {
		return Announcement{}, errors.Wrap(err, "failed to decode announcement")
	}
	if announcement.Kind != MessageKind {
		return Announcement{}, errWrongKind
	}
	if announcement.Tenant == "" || announcement.SenderName == "" ||
		announcement.SenderIP == "" || announcement.ServicePort <= 0 {
		return Announcement{}, errIncompleteRecord
	}
	return announcement, nil
}
