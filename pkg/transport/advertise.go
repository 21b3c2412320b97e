package transport

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/odvcencio/grit/pkg/gitid"
	"github.com/odvcencio/grit/pkg/pktline"
	"github.com/odvcencio/grit/pkg/refs"
)

// AdvertisedRef is one ref in a server's advertisement.
type AdvertisedRef struct {
	Name         string
	ID           gitid.ID
	Peeled       gitid.ID // target of an annotated tag, when advertised
	SymrefTarget string
}

// ReadAdvertisementV0 parses the v0/v1 ref advertisement: the first ref
// line carries a NUL-separated capability tail; a repository with no
// refs advertises the capabilities^{} placeholder. The caller's reader
// must be positioned at the first packet.
func ReadAdvertisementV0(pr *pktline.Reader) ([]*AdvertisedRef, CapabilityList, error) {
	if !pr.Next() {
		return nil, nil, fmt.Errorf("%w: read advertisement: %v", ErrProtocol, pr.Err())
	}
	line, err := pr.Text()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: read advertisement: %v", ErrProtocol, err)
	}
	if bytes.Equal(line, []byte("version 1")) {
		if !pr.Next() {
			return nil, nil, fmt.Errorf("%w: read advertisement: %v", ErrProtocol, pr.Err())
		}
		line, err = pr.Text()
		if err != nil {
			return nil, nil, fmt.Errorf("%w: read advertisement: %v", ErrProtocol, err)
		}
	}

	nul := bytes.IndexByte(line, 0)
	if nul < 0 {
		return nil, nil, fmt.Errorf("%w: first ref line missing capability separator", ErrProtocol)
	}
	caps, err := ParseCapabilities(line[nul+1:])
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}

	var advertised []*AdvertisedRef
	symrefs := caps.Symrefs()

	first, err := parseRefLine(line[:nul])
	if err != nil {
		return nil, nil, err
	}
	if first.Name == capabilitiesPseudoRef {
		if !first.ID.IsZero() {
			return nil, nil, fmt.Errorf("%w: non-zero id on no-refs placeholder", ErrProtocol)
		}
		// Expect the flush that ends an empty advertisement.
		if !pr.Next() || pr.Type() != pktline.Flush {
			return nil, nil, fmt.Errorf("%w: expected flush after empty advertisement", ErrProtocol)
		}
		return nil, caps, nil
	}
	advertised = append(advertised, first)

	for pr.Next() && pr.Type() != pktline.Flush {
		line, err := pr.Text()
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrProtocol, err)
		}
		ref, err := parseRefLine(line)
		if err != nil {
			return nil, nil, err
		}
		if peeledOf, ok := strings.CutSuffix(ref.Name, "^{}"); ok {
			if n := len(advertised); n > 0 && advertised[n-1].Name == peeledOf {
				advertised[n-1].Peeled = ref.ID
				continue
			}
			return nil, nil, fmt.Errorf("%w: peeled line %q with no matching ref", ErrProtocol, ref.Name)
		}
		advertised = append(advertised, ref)
	}
	if err := pr.Err(); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}

	for _, r := range advertised {
		r.SymrefTarget = symrefs[r.Name]
	}
	return advertised, caps, nil
}

func parseRefLine(line []byte) (*AdvertisedRef, error) {
	sp := bytes.IndexByte(line, ' ')
	if sp < 0 {
		return nil, fmt.Errorf("%w: ref line missing space", ErrProtocol)
	}
	var id gitid.ID
	if err := id.UnmarshalText(line[:sp]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	name := string(line[sp+1:])
	if name != capabilitiesPseudoRef && !strings.HasSuffix(name, "^{}") && !refs.ValidName(name) {
		return nil, fmt.Errorf("%w: invalid advertised ref name %q", ErrProtocol, name)
	}
	return &AdvertisedRef{Name: name, ID: id}, nil
}

// WriteAdvertisementV0 emits the v0/v1 advertisement for the given refs.
func WriteAdvertisementV0(w io.Writer, advertised []*AdvertisedRef, caps CapabilityList) error {
	var buf []byte
	if len(advertised) == 0 {
		line := gitid.Zero.String() + " " + capabilitiesPseudoRef + "\x00" + caps.String() + "\n"
		buf = pktline.AppendString(buf, line)
	} else {
		for i, r := range advertised {
			line := r.ID.String() + " " + r.Name
			if i == 0 {
				line += "\x00" + caps.String()
			}
			buf = pktline.AppendString(buf, line+"\n")
			if !r.Peeled.IsZero() {
				buf = pktline.AppendString(buf, r.Peeled.String()+" "+r.Name+"^{}\n")
			}
		}
	}
	buf = pktline.AppendFlush(buf)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("%w: write advertisement: %v", ErrTransport, err)
	}
	return nil
}
