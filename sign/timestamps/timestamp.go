// Package timestamps decodes RFC 3161 time-stamp tokens carried in signature
// attributes and orders them for chain verification.
package timestamps

import (
	"bytes"
	"encoding/asn1"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"time"

	"github.com/kyriosdata/seguranca-sub004/sign/attributes"
	"github.com/kyriosdata/seguranca-sub004/sign/cms"
	"github.com/kyriosdata/seguranca-sub004/sign/message"
)

// Common errors
var (
	ErrInvalidTimestamp  = errors.New("invalid timestamp")
	ErrTimestampMismatch = errors.New("timestamp message imprint mismatch")
)

// MessageImprint represents the hash of the time-stamped data.
type MessageImprint struct {
	HashAlgorithm attributes.AlgorithmIdentifier
	HashedMessage []byte
}

// TSTInfo represents the timestamp token info.
type TSTInfo struct {
	Version        int
	Policy         asn1.ObjectIdentifier
	MessageImprint MessageImprint
	SerialNumber   *big.Int
	GenTime        time.Time     `asn1:"generalized"`
	Accuracy       Accuracy      `asn1:"optional"`
	Ordering       bool          `asn1:"optional,default:false"`
	Nonce          *big.Int      `asn1:"optional"`
	TSA            asn1.RawValue `asn1:"optional,explicit,tag:0"`
	Extensions     []Extension   `asn1:"optional,implicit,tag:1"`
}

// Accuracy represents timestamp accuracy.
type Accuracy struct {
	Seconds int `asn1:"optional"`
	Millis  int `asn1:"optional,implicit,tag:0"`
	Micros  int `asn1:"optional,implicit,tag:1"`
}

// Extension represents an X.509 extension.
type Extension struct {
	ExtnID    asn1.ObjectIdentifier
	Critical  bool `asn1:"optional,default:false"`
	ExtnValue []byte
}

// ParseToken decodes a time-stamp token: a SignedData whose encapsulated
// content is a TSTInfo.
func ParseToken(der []byte) (*message.Message, *TSTInfo, error) {
	msg, err := cms.Parse(der)
	if err != nil {
		return nil, nil, err
	}
	info, err := ExtractTSTInfo(msg)
	if err != nil {
		return nil, nil, err
	}
	return msg, info, nil
}

// ExtractTSTInfo decodes the TSTInfo carried by a parsed token.
func ExtractTSTInfo(msg *message.Message) (*TSTInfo, error) {
	if !msg.ContentType.Equal(attributes.OIDTSTInfo) {
		return nil, fmt.Errorf("%w: content type %v is not TSTInfo", ErrInvalidTimestamp, msg.ContentType)
	}
	if len(msg.Content) == 0 {
		return nil, fmt.Errorf("%w: empty TSTInfo", ErrInvalidTimestamp)
	}
	var info TSTInfo
	if _, err := asn1.Unmarshal(msg.Content, &info); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTimestamp, err)
	}
	return &info, nil
}

// TimeStamp is a time-stamp token found in one attribute slot of a signer.
type TimeStamp struct {
	// Slot is the identifier of the attribute holding the token.
	Slot      string
	GenTime   time.Time
	Info      *TSTInfo
	Token     *message.Message
	Attribute *message.Attribute
	Raw       []byte
	// Err is set when the token could not be decoded.
	Err error
}

// Kind returns the catalog kind of the slot.
func (t *TimeStamp) Kind() attributes.Kind {
	k, _ := attributes.KindOf(t.Slot)
	return k
}

// Signer returns the token's signer record, or nil.
func (t *TimeStamp) Signer() *message.Signer {
	if t.Token == nil || len(t.Token.Signers) == 0 {
		return nil
	}
	return t.Token.Signers[0]
}

// VerifyImprint checks that the token's message imprint is the digest of
// data.
func (t *TimeStamp) VerifyImprint(data []byte) error {
	if t.Info == nil {
		return ErrInvalidTimestamp
	}
	h, err := attributes.HashForOID(t.Info.MessageImprint.HashAlgorithm.Algorithm)
	if err != nil {
		return err
	}
	digest, err := cms.Digest(h, data)
	if err != nil {
		return err
	}
	if !bytes.Equal(digest, t.Info.MessageImprint.HashedMessage) {
		return ErrTimestampMismatch
	}
	return nil
}

// Extract collects every time-stamp token held by s, signed or unsigned.
// Tokens that fail to decode are returned with Err set.
func Extract(s *message.Signer) []*TimeStamp {
	var out []*TimeStamp
	for _, a := range s.Attributes() {
		if !a.Kind().IsTimestamp() {
			continue
		}
		for _, v := range a.Values {
			ts := &TimeStamp{Slot: a.ID, Attribute: a, Raw: v}
			ts.Token, ts.Info, ts.Err = ParseToken(v)
			if ts.Info != nil {
				ts.GenTime = ts.Info.GenTime
			}
			out = append(out, ts)
		}
	}
	return out
}

// Ordered returns stamps sorted by generation time, most recent first.
// Stamps that failed to decode sort last. The input is not modified.
func Ordered(stamps []*TimeStamp) []*TimeStamp {
	out := append([]*TimeStamp(nil), stamps...)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if (a.Err == nil) != (b.Err == nil) {
			return a.Err == nil
		}
		return a.GenTime.After(b.GenTime)
	})
	return out
}

// Slots returns the slot identifiers of stamps in order.
func Slots(stamps []*TimeStamp) []string {
	out := make([]string, 0, len(stamps))
	for _, ts := range stamps {
		out = append(out, ts.Slot)
	}
	return out
}

// Rank orders time-stamp families by what they cover: content, signature,
// esc, archive. Non-stamp kinds rank zero.
func Rank(k attributes.Kind) int {
	switch k {
	case attributes.KindContentTimestamp:
		return 1
	case attributes.KindSignatureTimestamp:
		return 2
	case attributes.KindEscTimestamp:
		return 3
	case attributes.KindArchiveTimestamp:
		return 4
	}
	return 0
}
