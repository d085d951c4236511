package report

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/kyriosdata/seguranca-sub004/sign/attributes"
)

// Summary counts the nodes of a report by status.
type Summary struct {
	TotalSignatures         int
	ValidSignatures         int
	InvalidSignatures       int
	IndeterminateSignatures int

	TotalTimestamps   int
	ValidTimestamps   int
	InvalidTimestamps int

	CounterSignatures int

	MissingAttributes int
	InvalidAttributes int
	Warnings          int

	OverallStatus Status
}

// Summarize counts the nodes of r. The statuses must already be derived.
func Summarize(r *Report) *Summary {
	s := &Summary{OverallStatus: r.Status}
	var walk func(n *SignatureReport)
	walk = func(n *SignatureReport) {
		for _, a := range n.Attributes {
			switch {
			case a.Outcome == OutcomeMissing:
				s.MissingAttributes++
			case a.Outcome == OutcomeInvalid && a.Class == ClassMandated:
				s.InvalidAttributes++
			case a.Outcome == OutcomeWarning || a.Outcome == OutcomeInvalid:
				s.Warnings++
			}
		}
		for _, ts := range n.TimeStamps {
			s.TotalTimestamps++
			if ts.Status == StatusValid {
				s.ValidTimestamps++
			} else {
				s.InvalidTimestamps++
			}
			walk(ts)
		}
		for _, cs := range n.CounterSignatures {
			s.CounterSignatures++
			walk(cs)
		}
	}

	for _, sig := range r.Signatures {
		s.TotalSignatures++
		switch sig.Status {
		case StatusValid:
			s.ValidSignatures++
		case StatusIndeterminate:
			s.IndeterminateSignatures++
		default:
			s.InvalidSignatures++
		}
		walk(sig)
	}
	return s
}

// Format formats the summary as text.
func (s *Summary) Format() string {
	var sb strings.Builder

	sb.WriteString("=== VERIFICATION SUMMARY ===\n\n")
	sb.WriteString(fmt.Sprintf("Overall Result: %s\n\n", s.OverallStatus))

	sb.WriteString("Signatures:\n")
	sb.WriteString(fmt.Sprintf("  Total: %d\n", s.TotalSignatures))
	sb.WriteString(fmt.Sprintf("  Valid: %d\n", s.ValidSignatures))
	sb.WriteString(fmt.Sprintf("  Invalid: %d\n", s.InvalidSignatures))
	sb.WriteString(fmt.Sprintf("  Indeterminate: %d\n", s.IndeterminateSignatures))
	if s.CounterSignatures > 0 {
		sb.WriteString(fmt.Sprintf("  Counter-signatures: %d\n", s.CounterSignatures))
	}
	sb.WriteString("\n")

	if s.TotalTimestamps > 0 {
		sb.WriteString("Timestamps:\n")
		sb.WriteString(fmt.Sprintf("  Total: %d\n", s.TotalTimestamps))
		sb.WriteString(fmt.Sprintf("  Valid: %d\n", s.ValidTimestamps))
		sb.WriteString(fmt.Sprintf("  Invalid: %d\n\n", s.InvalidTimestamps))
	}

	sb.WriteString("Attributes:\n")
	sb.WriteString(fmt.Sprintf("  Missing: %d\n", s.MissingAttributes))
	sb.WriteString(fmt.Sprintf("  Invalid: %d\n", s.InvalidAttributes))
	sb.WriteString(fmt.Sprintf("  Warnings: %d\n", s.Warnings))

	return sb.String()
}

// WriteText writes an indented text rendering of the tree to w.
func WriteText(w io.Writer, r *Report) error {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Report %s (%s, %s)\n", r.ID, r.Encoding, r.Created.Format(time.RFC3339)))
	sb.WriteString(fmt.Sprintf("Status: %s\n", r.Status))
	for i, sig := range r.Signatures {
		sb.WriteString("\n")
		writeNode(&sb, sig, fmt.Sprintf("Signature %d", i+1), "")
	}
	_, err := io.WriteString(w, sb.String())
	return err
}

func writeNode(sb *strings.Builder, n *SignatureReport, title, prefix string) {
	sb.WriteString(fmt.Sprintf("%s[%s] %s\n", prefix, n.Status, title))
	in := prefix + "  "

	if n.ParseError != "" {
		sb.WriteString(in + "Parse error: " + n.ParseError + "\n")
		return
	}
	if n.Signer != "" {
		sb.WriteString(in + "Signer: " + n.Signer + "\n")
	}
	if n.GenTime != nil {
		sb.WriteString(in + "Generated: " + n.GenTime.Format(time.RFC3339) + "\n")
	}
	if n.SigningTime != nil {
		sb.WriteString(in + "Signing time: " + n.SigningTime.Format(time.RFC3339) + "\n")
	}
	if n.PolicyOID != "" {
		sb.WriteString(in + "Policy: " + n.PolicyOID + "\n")
	}
	if n.PolicyError != "" {
		sb.WriteString(in + "Policy error: " + n.PolicyError + "\n")
	}
	sb.WriteString(fmt.Sprintf("%sHash: %s, Signature: %s\n", in, validity(n.HashValid), validity(n.SignatureValid)))
	if n.IntegrityError != "" {
		sb.WriteString(in + "  " + n.IntegrityError + "\n")
	}

	sb.WriteString(fmt.Sprintf("%sPath: %s\n", in, n.PathResult))
	for _, p := range n.Pairs {
		issuer := p.Issuer
		if issuer == "" {
			issuer = "(no issuer)"
		}
		sb.WriteString(fmt.Sprintf("%s  %s <- %s: %s", in, p.Subject, issuer, p.Result))
		if p.Reason != "" {
			sb.WriteString(" (" + p.Reason + ")")
		}
		sb.WriteString("\n")
	}

	if len(n.Attributes) > 0 {
		sb.WriteString(in + "Attributes:\n")
		for _, a := range n.Attributes {
			sb.WriteString(fmt.Sprintf("%s  %-8s %-8s %s", in, a.Outcome, a.Class, a.Name))
			if a.Message != "" {
				sb.WriteString(": " + a.Message)
			}
			sb.WriteString("\n")
		}
	}

	for i, ts := range n.TimeStamps {
		writeNode(sb, ts, fmt.Sprintf("Timestamp %d (%s)", i+1, ts.slotName()), in)
	}
	for i, cs := range n.CounterSignatures {
		writeNode(sb, cs, fmt.Sprintf("Counter-signature %d", i+1), in)
	}
}

func (r *SignatureReport) slotName() string {
	if r.Slot == "" {
		return "unknown slot"
	}
	return attributes.HumanName(r.Slot)
}

func validity(ok bool) string {
	if ok {
		return "valid"
	}
	return "invalid"
}

// WriteJSON writes r as indented JSON.
func WriteJSON(w io.Writer, r *Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}
