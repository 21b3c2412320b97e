package transport

import (
	"bytes"
	"context"
	"fmt"

	"github.com/odvcencio/grit/pkg/gitid"
	"github.com/odvcencio/grit/pkg/odb"
	"github.com/odvcencio/grit/pkg/pktline"
)

// Reference: protocol v2 is a stateless command/response exchange. The
// fetch command carries wants, haves, and options; the response is a
// sequence of named sections ending in the packfile.

const (
	v2VersionLine  = "version 2"
	v2CmdLsRefs    = "ls-refs"
	v2CmdFetch     = "fetch"
	maxFetchRounds = 64
)

// readCapabilityAdvertisementV2 parses the "version 2" greeting.
func readCapabilityAdvertisementV2(pr *pktline.Reader) (CapabilityList, error) {
	if !pr.Next() {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, pr.Err())
	}
	line, err := pr.Text()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	if !bytes.Equal(line, []byte(v2VersionLine)) {
		return nil, fmt.Errorf("%w: not protocol version 2 (%q)", ErrProtocol, line)
	}
	caps := make(CapabilityList)
	for pr.Next() && pr.Type() != pktline.Flush {
		line, err := pr.Text()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
		}
		k, v, err := ParseCapability(line)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
		}
		caps[k] = v
	}
	if err := pr.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	return caps, nil
}

// lsRefsV2 lists the server's refs through the v2 ls-refs command. The
// reader must be positioned after the capability advertisement.
func lsRefsV2(conn Conn, pr *pktline.Reader, prefixes []string) ([]*AdvertisedRef, error) {
	var buf []byte
	buf = pktline.AppendString(buf, "command="+v2CmdLsRefs+"\n")
	buf = pktline.AppendDelim(buf)
	buf = pktline.AppendString(buf, "symrefs\n")
	buf = pktline.AppendString(buf, "peel\n")
	for _, p := range prefixes {
		buf = pktline.AppendString(buf, "ref-prefix "+p+"\n")
	}
	buf = pktline.AppendFlush(buf)
	if _, err := conn.Write(buf); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}

	var out []*AdvertisedRef
	for pr.Next() && pr.Type() == pktline.Data {
		line, err := pr.Text()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
		}
		words := bytes.Fields(line)
		if len(words) < 2 {
			return nil, fmt.Errorf("%w: malformed ls-refs line %q", ErrProtocol, line)
		}
		ref := &AdvertisedRef{Name: string(words[1])}
		if err := ref.ID.UnmarshalText(words[0]); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
		}
		for _, attr := range words[2:] {
			if val, ok := bytes.CutPrefix(attr, []byte("symref-target:")); ok {
				ref.SymrefTarget = string(val)
			}
			if val, ok := bytes.CutPrefix(attr, []byte("peeled:")); ok {
				if err := ref.Peeled.UnmarshalText(val); err != nil {
					return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
				}
			}
		}
		out = append(out, ref)
	}
	if err := pr.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	return out, nil
}

// FetchV2 runs the protocol v2 fetch exchange over a stateful
// connection, indexing the received pack into db.
func FetchV2(ctx context.Context, conn Conn, db *odb.Database, opts FetchOptions) (*FetchResult, error) {
	pr := pktline.NewReader(conn)
	serverCaps, err := readCapabilityAdvertisementV2(pr)
	if err != nil {
		return nil, err
	}
	if _, ok := serverCaps[v2CmdFetch]; !ok {
		return nil, fmt.Errorf("%w: server lacks the fetch command", ErrProtocol)
	}
	result := &FetchResult{Caps: serverCaps}

	wants := opts.Wants
	if len(wants) == 0 {
		result.Refs, err = lsRefsV2(conn, pr, nil)
		if err != nil {
			return nil, err
		}
		for _, r := range result.Refs {
			wants = append(wants, r.ID)
		}
	}
	wants = dedupeIDs(wants)
	filtered := wants[:0]
	for _, id := range wants {
		if !db.HasObject(id) {
			filtered = append(filtered, id)
		}
	}
	wants = filtered
	if len(wants) == 0 {
		return result, nil
	}

	neg := newNegotiator(db, opts.LocalTips)
	var haves []gitid.ID
	done := false
	for round := 0; round < maxFetchRounds; round++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCancelled, err)
		}
		batch := neg.nextRound(round)
		haves = append(haves, batch...)
		if neg.exhausted() {
			done = true
		}

		if err := writeFetchCommandV2(conn, wants, haves, done, &opts); err != nil {
			return nil, err
		}
		finished, err := readFetchResponseV2(pr, db, &opts, result)
		if err != nil {
			return nil, err
		}
		if finished {
			return result, nil
		}
		// Server acknowledged but wants more negotiation; if it signaled
		// ready we resend with done.
		if result.ready {
			done = true
		}
	}
	return nil, fmt.Errorf("%w: negotiation did not converge", ErrProtocol)
}

func writeFetchCommandV2(conn Conn, wants, haves []gitid.ID, done bool, opts *FetchOptions) error {
	var buf []byte
	buf = pktline.AppendString(buf, "command="+v2CmdFetch+"\n")
	buf = pktline.AppendString(buf, CapAgent+"="+opts.agent()+"\n")
	if opts.SessionID != "" {
		buf = pktline.AppendString(buf, CapSessionID+"="+opts.SessionID+"\n")
	}
	buf = pktline.AppendDelim(buf)
	for _, id := range wants {
		buf = pktline.AppendString(buf, "want "+id.String()+"\n")
	}
	for _, id := range haves {
		buf = pktline.AppendString(buf, "have "+id.String()+"\n")
	}
	if done {
		buf = pktline.AppendString(buf, "done\n")
	} else {
		buf = pktline.AppendString(buf, "wait-for-done\n")
	}
	if opts.ThinPack {
		buf = pktline.AppendString(buf, "thin-pack\n")
	}
	if opts.Progress == nil {
		buf = pktline.AppendString(buf, "no-progress\n")
	}
	if opts.IncludeTag {
		buf = pktline.AppendString(buf, "include-tag\n")
	}
	buf = pktline.AppendString(buf, "ofs-delta\n")
	for _, id := range opts.Shallow {
		buf = pktline.AppendString(buf, "shallow "+id.String()+"\n")
	}
	if opts.Depth > 0 {
		buf = pktline.AppendString(buf, fmt.Sprintf("deepen %d\n", opts.Depth))
		if opts.DepthRelative {
			buf = pktline.AppendString(buf, "deepen-relative\n")
		}
	}
	if !opts.DeepenSince.IsZero() {
		buf = pktline.AppendString(buf, fmt.Sprintf("deepen-since %d\n", opts.DeepenSince.Unix()))
	}
	for _, rev := range opts.DeepenNot {
		buf = pktline.AppendString(buf, "deepen-not "+rev+"\n")
	}
	if opts.Filter != "" {
		buf = pktline.AppendString(buf, "filter "+opts.Filter+"\n")
	}
	buf = pktline.AppendFlush(buf)
	if _, err := conn.Write(buf); err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return nil
}

// readFetchResponseV2 parses one response. It returns true when the
// packfile section arrived and was indexed.
func readFetchResponseV2(pr *pktline.Reader, db *odb.Database, opts *FetchOptions, result *FetchResult) (bool, error) {
	if !pr.Next() {
		return false, fmt.Errorf("%w: %v", ErrProtocol, pr.Err())
	}
	section, err := pr.Text()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrProtocol, err)
	}

	if bytes.Equal(section, []byte("acknowledgments")) {
		for pr.Next() && pr.Type() == pktline.Data {
			line, err := pr.Text()
			if err != nil {
				return false, fmt.Errorf("%w: %v", ErrProtocol, err)
			}
			switch {
			case bytes.Equal(line, []byte("NAK")):
			case bytes.Equal(line, []byte("ready")):
				result.ready = true
			case bytes.HasPrefix(line, []byte("ACK ")):
				var id gitid.ID
				if err := id.UnmarshalText(line[len("ACK "):]); err != nil {
					return false, fmt.Errorf("%w: %v", ErrProtocol, err)
				}
				result.Common = append(result.Common, id)
			default:
				return false, fmt.Errorf("%w: unknown acknowledgment %q", ErrProtocol, line)
			}
		}
		if pr.Type() == pktline.Flush {
			// Response ends after acknowledgments; negotiate further.
			return false, nil
		}
		if pr.Type() != pktline.Delim {
			return false, fmt.Errorf("%w: expected delim after acknowledgments", ErrProtocol)
		}
		if !pr.Next() {
			return false, fmt.Errorf("%w: %v", ErrProtocol, pr.Err())
		}
		section, err = pr.Text()
		if err != nil {
			return false, fmt.Errorf("%w: %v", ErrProtocol, err)
		}
	}

	if bytes.Equal(section, []byte("shallow-info")) {
		for pr.Next() && pr.Type() == pktline.Data {
			line, err := pr.Text()
			if err != nil {
				return false, fmt.Errorf("%w: %v", ErrProtocol, err)
			}
			var id gitid.ID
			switch {
			case bytes.HasPrefix(line, []byte("shallow ")):
				if err := id.UnmarshalText(line[len("shallow "):]); err != nil {
					return false, fmt.Errorf("%w: %v", ErrProtocol, err)
				}
				result.Shallow = append(result.Shallow, id)
			case bytes.HasPrefix(line, []byte("unshallow ")):
				if err := id.UnmarshalText(line[len("unshallow "):]); err != nil {
					return false, fmt.Errorf("%w: %v", ErrProtocol, err)
				}
				result.Unshallow = append(result.Unshallow, id)
			default:
				return false, fmt.Errorf("%w: unknown shallow-info line %q", ErrProtocol, line)
			}
		}
		if pr.Type() != pktline.Delim {
			return false, fmt.Errorf("%w: expected delim after shallow-info", ErrProtocol)
		}
		if !pr.Next() {
			return false, fmt.Errorf("%w: %v", ErrProtocol, pr.Err())
		}
		section, err = pr.Text()
		if err != nil {
			return false, fmt.Errorf("%w: %v", ErrProtocol, err)
		}
	}

	if !bytes.Equal(section, []byte("packfile")) {
		return false, fmt.Errorf("%w: unexpected section %q", ErrProtocol, section)
	}
	checksum, err := db.NewInserter().InsertPack(pktline.NewDemuxReader(pr, opts.Progress))
	if err != nil {
		return false, err
	}
	result.PackChecksum = checksum
	return true, nil
}
