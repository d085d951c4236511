package validation

import (
	"crypto/x509"
	"errors"
	"fmt"
	"time"

	"github.com/kyriosdata/seguranca-sub004/certvalidator"
	"github.com/kyriosdata/seguranca-sub004/sign/attributes"
	"github.com/kyriosdata/seguranca-sub004/sign/message"
	"github.com/kyriosdata/seguranca-sub004/sign/policy"
	"github.com/kyriosdata/seguranca-sub004/sign/timestamps"
	"github.com/kyriosdata/seguranca-sub004/sign/validation/report"
)

// stampResult ties a token to its finalized report node.
type stampResult struct {
	ts     *timestamps.TimeStamp
	report *report.SignatureReport
	status report.Status
}

// verifyTimestamps verifies every time-stamp of signer, most recent first,
// and attaches their nodes to r. Each token is validated at the generation
// time of the next more recent valid token, the most recent one at now.
func (s *session) verifyTimestamps(signer *message.Signer, p *policy.Policy, r *report.SignatureReport) []*stampResult {
	found := timestamps.Extract(signer)
	if len(found) == 0 {
		return nil
	}
	misordered := orderViolations(found)
	ordered := timestamps.Ordered(found)
	slots := timestamps.Slots(ordered)

	at := s.now
	results := make([]*stampResult, 0, len(ordered))
	for i, ts := range ordered {
		sc := &policy.StampContext{Current: ts.Slot, Stamps: slots, Last: i == len(ordered)-1}
		res := s.verifyTimestamp(signer, p, ts, sc, at, misordered[ts])
		if res.status == report.StatusValid {
			at = ts.GenTime
		}
		r.AddTimeStampReport(res.report)
		results = append(results, res)
	}
	return results
}

// orderViolations flags every token generated before a token it covers: a
// stamp of a later family predating one of an earlier family, or an archive
// time-stamp predating an archive time-stamp that precedes it.
func orderViolations(stamps []*timestamps.TimeStamp) map[*timestamps.TimeStamp]error {
	out := make(map[*timestamps.TimeStamp]error)
	for i, a := range stamps {
		if a.Err != nil {
			continue
		}
		for j, b := range stamps {
			if a == b || b.Err != nil || !a.GenTime.Before(b.GenTime) {
				continue
			}
			ra, rb := timestamps.Rank(a.Kind()), timestamps.Rank(b.Kind())
			sameArchive := a.Kind() == attributes.KindArchiveTimestamp && ra == rb && j < i
			if ra > rb || sameArchive {
				out[a] = fmt.Errorf("%w: %s at %s, %s at %s", ErrTimestampOrder,
					attributes.HumanName(a.Slot), a.GenTime.UTC().Format(time.RFC3339),
					attributes.HumanName(b.Slot), b.GenTime.UTC().Format(time.RFC3339))
				break
			}
		}
	}
	return out
}

func (s *session) verifyTimestamp(signer *message.Signer, p *policy.Policy, ts *timestamps.TimeStamp, sc *policy.StampContext, at time.Time, orderErr error) *stampResult {
	sub := report.NewSignatureReport(report.NodeTimeStamp)
	sub.Slot = ts.Slot
	sub.ReferenceTime = at
	res := &stampResult{ts: ts, report: sub}

	if ts.Err != nil {
		sub.SetParseError(ts.Err)
		res.status = sub.Finalize()
		return res
	}
	gen := ts.GenTime
	sub.GenTime = &gen

	tsSigner := ts.Signer()
	if tsSigner == nil {
		sub.SetParseError(ErrNoTimestampToken)
		res.status = sub.Finalize()
		return res
	}

	store := certvalidator.NewLayeredCertificateStore(
		certvalidator.NewSimpleCertificateStore(ts.Token.Certificates...),
		s.store,
	)
	cert := store.Certificate(tsSigner.Selector)
	if cert != nil {
		sub.SetSigner(cert)
	}

	integrity := tsSigner.Backend.VerifyIntegrity(cert, nil)
	if err := s.verifyImprint(signer, ts); err != nil {
		integrity.HashValid = false
		integrity.Err = errors.Join(integrity.Err, err)
	}
	sub.SetIntegrity(integrity)
	sub.SetPolicyError(orderErr)

	if cert == nil {
		sub.SetPath(certvalidator.Outcome{
			Result: certvalidator.ResultInvalid,
			Err:    fmt.Errorf("%w: %s", ErrSignerNotFound, tsSigner.Selector),
		})
	} else {
		validator := certvalidator.NewValidator(store, s.revocation)
		sub.SetPath(validator.Validate(s.ctx, cert, p.TimeStampingAnchors(), p.TimeStamping.Revocation, at, sub,
			certvalidator.RequireExtKeyUsage(x509.ExtKeyUsageTimeStamping)))
	}

	s.validateAttributes(&checkContext{
		session:   s,
		signer:    tsSigner,
		cert:      cert,
		policy:    p,
		integrity: integrity,
		nested:    true,
	}, sc, sub)

	res.status = sub.Finalize()
	if res.status != report.StatusValid {
		s.logger().Debugf("%s of %s is %s", attributes.HumanName(ts.Slot), signer.Selector, res.status)
	}
	return res
}

// verifyImprint checks that the token covers what its slot requires.
func (s *session) verifyImprint(signer *message.Signer, ts *timestamps.TimeStamp) error {
	data, err := signer.Backend.StampedData(ts.Attribute, s.content)
	if err != nil {
		return err
	}
	return ts.VerifyImprint(data)
}
