package cms

import (
	"bytes"
	"crypto/x509"
	"encoding/asn1"
	"fmt"

	"github.com/kyriosdata/seguranca-sub004/sign/attributes"
	"github.com/kyriosdata/seguranca-sub004/sign/message"
)

// backend implements message.Backend for CMS signer infos.
type backend struct {
	signer          *message.Signer
	sd              *SignedData
	si              SignerInfo
	parentSignature []byte
}

// signedContent returns the bytes the message-digest attribute covers.
func (b *backend) signedContent(content []byte) []byte {
	if b.parentSignature != nil {
		return b.parentSignature
	}
	if content != nil {
		return content
	}
	return b.signer.Message.Content
}

func (b *backend) VerifyIntegrity(cert *x509.Certificate, content []byte) message.Integrity {
	var res message.Integrity
	data := b.signedContent(content)

	signed := data
	if len(b.si.SignedAttrs.FullBytes) > 0 {
		md, err := messageDigest(b.signer)
		if err != nil {
			res.Err = err
			return res
		}
		if data == nil {
			res.Err = ErrNoContent
			return res
		}
		digest, err := Digest(b.signer.DigestAlgorithm, data)
		if err != nil {
			res.Err = err
			return res
		}
		res.HashValid = bytes.Equal(digest, md)

		// signed attributes are signed with their universal SET tag
		signed = append([]byte(nil), b.si.SignedAttrs.FullBytes...)
		signed[0] = 0x31
	} else if data == nil {
		res.Err = ErrNoContent
		return res
	}

	if cert == nil {
		res.Err = ErrMissingCertificate
		return res
	}
	if err := cert.CheckSignature(b.signer.SignatureAlgorithm, signed, b.signer.Signature); err != nil {
		res.Err = fmt.Errorf("signature value: %w", err)
		return res
	}
	res.SignatureValid = true
	if len(b.si.SignedAttrs.FullBytes) == 0 {
		res.HashValid = true
	}
	return res
}

func messageDigest(s *message.Signer) ([]byte, error) {
	a := s.First(attributes.OIDMessageDigest.String())
	if a == nil || len(a.Values) == 0 {
		return nil, ErrMissingDigest
	}
	var md []byte
	if _, err := asn1.Unmarshal(a.Values[0], &md); err != nil {
		return nil, fmt.Errorf("%w: %v", attributes.ErrInvalidAttribute, err)
	}
	return md, nil
}

func (b *backend) StampedData(stamp *message.Attribute, content []byte) ([]byte, error) {
	kind, _ := attributes.KindOf(stamp.ID)
	switch kind {
	case attributes.KindSignatureTimestamp:
		return b.signer.Signature, nil
	case attributes.KindContentTimestamp:
		data := b.signedContent(content)
		if data == nil {
			return nil, ErrNoContent
		}
		return data, nil
	case attributes.KindEscTimestamp:
		return b.escData(), nil
	case attributes.KindArchiveTimestamp:
		return b.archiveData(stamp, content)
	}
	return nil, fmt.Errorf("%s is not a time-stamp attribute", attributes.HumanName(stamp.ID))
}

// escData is the CAdES-C time-stamped data: the signature value followed by
// the signature time-stamps and the complete references, each as encoded.
func (b *backend) escData() []byte {
	var buf bytes.Buffer
	buf.Write(b.signer.Signature)
	for _, a := range b.signer.Unsigned {
		if a.Kind() == attributes.KindSignatureTimestamp {
			buf.Write(a.Raw)
		}
	}
	for _, id := range []string{attributes.OIDCompleteCertRefs.String(), attributes.OIDCompleteRevocRefs.String()} {
		for _, a := range b.signer.Unsigned {
			if a.ID == id {
				buf.Write(a.Raw)
			}
		}
	}
	return buf.Bytes()
}

// archiveData follows archive-time-stamp-v2: encapsulated content,
// certificates, CRLs, the SignerInfo fields up to the signature value and the
// unsigned attributes that precede the stamp.
func (b *backend) archiveData(stamp *message.Attribute, content []byte) ([]byte, error) {
	var buf bytes.Buffer
	data := b.signer.Message.Content
	if data == nil {
		data = content
	}
	if data == nil {
		return nil, ErrNoContent
	}
	buf.Write(data)
	buf.Write(b.sd.Certificates.FullBytes)
	buf.Write(b.sd.CRLs.FullBytes)
	for _, f := range []asn1.RawValue{
		b.si.Version, b.si.SID, b.si.DigestAlgorithm, b.si.SignedAttrs,
		b.si.SignatureAlgorithm, b.si.Signature,
	} {
		buf.Write(f.FullBytes)
	}
	for _, a := range b.signer.Unsigned {
		if a == stamp {
			break
		}
		buf.Write(a.Raw)
	}
	return buf.Bytes(), nil
}
