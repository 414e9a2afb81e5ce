package engine

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/overlaynet/overlaynode/addr"
	"github.com/overlaynet/overlaynode/errs"
	"github.com/overlaynet/overlaynode/id"
)

// Control-packet bodies. None of this is covered by a binary wire format in
// the core spec (only the fixed header is); JSON keeps the bodies
// inspectable during development and is cheap at these message sizes.

type heartbeatBody struct {
	Nonce  uuid.UUID `json:"nonce"`
	SendTS int64     `json:"send_ts"` // unix nanos
}

type heartbeatReplyBody struct {
	Nonce   uuid.UUID `json:"nonce"`
	SendTS  int64     `json:"send_ts"`
	ReplyTS int64     `json:"reply_ts"`
}

type idQueryBody struct{}

type idQueryReplyBody struct {
	NodeID      id.NodeID `json:"node_id"`
	MappedAddrs []string  `json:"mapped_addrs"`
}

type punchRequestBody struct {
	TargetID           id.NodeID `json:"target_id"`
	Nonce              uuid.UUID `json:"nonce"`
	CandidateEndpoints []string  `json:"candidate_endpoints"`
}

type punchReplyBody struct {
	Nonce uuid.UUID `json:"nonce"`
}

type timestampRequestBody struct {
	Nonce  uuid.UUID `json:"nonce"`
	SendTS int64     `json:"send_ts"`
}

type timestampReplyBody struct {
	Nonce   uuid.UUID `json:"nonce"`
	SendTS  int64     `json:"send_ts"`
	ReplyTS int64     `json:"reply_ts"`
}

type extendedTxtBody struct {
	Names []string `json:"names"`
}

func encodeBody(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, errs.Wrap(err)
	}
	return b, nil
}

func decodeBody(buf []byte, v any) error {
	if err := json.Unmarshal(buf, v); err != nil {
		return errs.Wrap(errs.ErrMalformedPacket)
	}
	return nil
}

func endpointsToStrings(addrs []addr.NodeAddress) []string {
	out := make([]string, len(addrs))
	for i, a := range addrs {
		out[i] = a.String()
	}
	return out
}
