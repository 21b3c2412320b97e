package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/odvcencio/grit/pkg/gitid"
	"github.com/odvcencio/grit/pkg/odb"
	"github.com/odvcencio/grit/pkg/pktline"
)

// Conn is a bidirectional byte stream to a remote service. CloseWrite
// signals end of the request stream while leaving responses readable.
type Conn interface {
	io.Reader
	io.Writer
	CloseWrite() error
	Close() error
}

// FetchOptions parameterizes a fetch session.
type FetchOptions struct {
	// Wants are the remote ids to request. Empty means every advertised
	// ref head.
	Wants []gitid.ID
	// LocalTips seed the have-negotiation walk; typically all local ref
	// values.
	LocalTips []gitid.ID

	// Shallow is the current local shallow set, sent so the server can
	// compute deepening.
	Shallow []gitid.ID
	// Depth requests history truncated to that many commits. Zero means
	// unlimited.
	Depth int
	// DepthRelative interprets Depth from the current shallow boundary.
	DepthRelative bool
	// DeepenSince requests history newer than the given time.
	DeepenSince time.Time
	// DeepenNot excludes history reachable from the named refs.
	DeepenNot []string

	// Filter is a partial-clone filter spec, e.g. "blob:none".
	Filter string

	ThinPack   bool
	IncludeTag bool

	// Progress receives sideband progress lines; nil requests
	// no-progress.
	Progress func(string)

	Agent     string
	SessionID string
}

func (o *FetchOptions) agent() string {
	if o.Agent == "" {
		return DefaultAgent
	}
	return o.Agent
}

// FetchResult reports a completed fetch.
type FetchResult struct {
	Refs []*AdvertisedRef
	Caps CapabilityList
	// Common holds the ids the server acknowledged as common.
	Common []gitid.ID
	// Shallow and Unshallow report boundary changes from deepening.
	Shallow   []gitid.ID
	Unshallow []gitid.ID
	// PackChecksum names the received pack; zero when the server had
	// nothing to send.
	PackChecksum gitid.ID

	// ready records a v2 server declaring negotiation complete.
	ready bool
}

// FetchV0 runs the protocol v0/v1 fetch state machine over an open
// connection, indexing the received pack into db.
func FetchV0(ctx context.Context, conn Conn, db *odb.Database, opts FetchOptions) (*FetchResult, error) {
	pr := pktline.NewReader(conn)

	// INIT: consume the advertisement and decide what to want.
	advertised, serverCaps, err := ReadAdvertisementV0(pr)
	if err != nil {
		return nil, err
	}
	result := &FetchResult{Refs: advertised, Caps: serverCaps}

	wants := opts.Wants
	if len(wants) == 0 {
		for _, r := range advertised {
			wants = append(wants, r.ID)
		}
	}
	wants = dedupeIDs(wants)
	// Drop wants already present locally.
	filtered := wants[:0]
	for _, id := range wants {
		if !db.HasObject(id) {
			filtered = append(filtered, id)
		}
	}
	wants = filtered
	if len(wants) == 0 {
		// Nothing to do; tell the server goodbye.
		if err := pktline.WriteFlush(conn); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTransport, err)
		}
		conn.CloseWrite()
		return result, nil
	}

	useCaps, err := fetchCapsV0(serverCaps, &opts)
	if err != nil {
		return nil, err
	}

	if err := writeWantsV0(conn, wants, useCaps, &opts); err != nil {
		return nil, err
	}

	if opts.Depth > 0 || !opts.DeepenSince.IsZero() || len(opts.DeepenNot) > 0 {
		result.Shallow, result.Unshallow, err = readShallowUpdateV0(pr)
		if err != nil {
			return nil, err
		}
	}

	// NEGOTIATE: rounds of haves until the server is ready or the
	// negotiator runs dry.
	neg := newNegotiator(db, opts.LocalTips)
	ready := false
	for round := 0; !ready; round++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCancelled, err)
		}
		batch := neg.nextRound(round)
		if len(batch) == 0 {
			break
		}
		var buf []byte
		for _, id := range batch {
			buf = pktline.AppendString(buf, "have "+id.String()+"\n")
		}
		buf = pktline.AppendFlush(buf)
		if _, err := conn.Write(buf); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTransport, err)
		}

		ready, err = readAckRoundV0(pr, result)
		if err != nil {
			return nil, err
		}
		if len(result.Common) > 0 && neg.exhausted() {
			break
		}
	}

	// Send done and enter RECEIVE.
	if err := pktline.WriteString(conn, "done\n"); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	conn.CloseWrite()

	if err := readFinalAckV0(pr, result); err != nil {
		return nil, err
	}

	return result, receivePackStream(pr, db, useCaps, opts.Progress, result)
}

func dedupeIDs(ids []gitid.ID) []gitid.ID {
	seen := make(map[gitid.ID]bool, len(ids))
	out := ids[:0]
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

// fetchCapsV0 chooses the request capabilities, insisting on the ones
// the state machine depends on.
func fetchCapsV0(server CapabilityList, opts *FetchOptions) (CapabilityList, error) {
	use := CapabilityList{
		CapMultiAckDetailed: "",
		CapOfsDelta:         "",
	}
	if opts.Progress == nil {
		use[CapNoProgress] = ""
	}
	if opts.ThinPack {
		use[CapThinPack] = ""
	}
	if opts.IncludeTag {
		use[CapIncludeTag] = ""
	}
	if len(opts.Shallow) > 0 || opts.Depth > 0 {
		use[CapShallow] = ""
	}
	if opts.DepthRelative {
		use[CapDeepenRelative] = ""
	}
	if !opts.DeepenSince.IsZero() {
		use[CapDeepenSince] = ""
	}
	if len(opts.DeepenNot) > 0 {
		use[CapDeepenNot] = ""
	}
	if opts.Filter != "" {
		use[CapFilter] = ""
	}
	use.Intersect(server)

	if !server.Supports(CapMultiAckDetailed) {
		return nil, fmt.Errorf("%w: server lacks %s", ErrProtocol, CapMultiAckDetailed)
	}
	switch {
	case server.Supports(CapSideBand64k):
		use[CapSideBand64k] = ""
	case server.Supports(CapSideBand):
		use[CapSideBand] = ""
	default:
		return nil, fmt.Errorf("%w: server lacks %s", ErrProtocol, CapSideBand)
	}
	use[CapAgent] = opts.agent()
	if format, ok := server[CapObjectFormat]; ok && format != objectFormatSHA1 {
		return nil, fmt.Errorf("%w: unsupported object format %q", ErrProtocol, format)
	}
	return use, nil
}

func writeWantsV0(conn Conn, wants []gitid.ID, useCaps CapabilityList, opts *FetchOptions) error {
	var buf []byte
	for i, id := range wants {
		line := "want " + id.String()
		if i == 0 {
			line += " " + useCaps.String()
		}
		buf = pktline.AppendString(buf, line+"\n")
	}
	for _, id := range opts.Shallow {
		buf = pktline.AppendString(buf, "shallow "+id.String()+"\n")
	}
	if opts.Depth > 0 {
		buf = pktline.AppendString(buf, fmt.Sprintf("deepen %d\n", opts.Depth))
	}
	if !opts.DeepenSince.IsZero() {
		buf = pktline.AppendString(buf, fmt.Sprintf("deepen-since %d\n", opts.DeepenSince.Unix()))
	}
	for _, ref := range opts.DeepenNot {
		buf = pktline.AppendString(buf, "deepen-not "+ref+"\n")
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

func readShallowUpdateV0(pr *pktline.Reader) (shallow, unshallow []gitid.ID, err error) {
	for pr.Next() && pr.Type() != pktline.Flush {
		line, err := pr.Text()
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrProtocol, err)
		}
		var id gitid.ID
		switch {
		case bytes.HasPrefix(line, []byte("shallow ")):
			if err := id.UnmarshalText(line[len("shallow "):]); err != nil {
				return nil, nil, fmt.Errorf("%w: %v", ErrProtocol, err)
			}
			shallow = append(shallow, id)
		case bytes.HasPrefix(line, []byte("unshallow ")):
			if err := id.UnmarshalText(line[len("unshallow "):]); err != nil {
				return nil, nil, fmt.Errorf("%w: %v", ErrProtocol, err)
			}
			unshallow = append(unshallow, id)
		default:
			return nil, nil, fmt.Errorf("%w: unexpected shallow line %q", ErrProtocol, line)
		}
	}
	if err := pr.Err(); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	return shallow, unshallow, nil
}

// readAckRoundV0 consumes one round of multi_ack_detailed responses,
// ending at a NAK or a "ready" status. It reports whether the server
// declared itself ready for done.
func readAckRoundV0(pr *pktline.Reader, result *FetchResult) (bool, error) {
	for pr.Next() {
		line, err := pr.Text()
		if err != nil {
			return false, fmt.Errorf("%w: %v", ErrProtocol, err)
		}
		switch {
		case bytes.Equal(line, []byte("NAK")):
			return false, nil
		case bytes.HasPrefix(line, []byte("ACK ")):
			rest := line[len("ACK "):]
			idEnd := bytes.IndexByte(rest, ' ')
			status := ""
			if idEnd < 0 {
				idEnd = len(rest)
			} else {
				status = string(rest[idEnd+1:])
			}
			var id gitid.ID
			if err := id.UnmarshalText(rest[:idEnd]); err != nil {
				return false, fmt.Errorf("%w: %v", ErrProtocol, err)
			}
			switch status {
			case "common", "continue":
				result.Common = append(result.Common, id)
			case "ready":
				result.Common = append(result.Common, id)
				return true, nil
			case "":
				// A bare ACK ends negotiation outright.
				result.Common = append(result.Common, id)
				return true, nil
			default:
				return false, fmt.Errorf("%w: unknown ack status %q", ErrProtocol, status)
			}
		default:
			return false, fmt.Errorf("%w: unexpected negotiation line %q", ErrProtocol, line)
		}
	}
	return false, fmt.Errorf("%w: %v", ErrProtocol, pr.Err())
}

// readFinalAckV0 consumes the final ACK/NAK after done.
func readFinalAckV0(pr *pktline.Reader, result *FetchResult) error {
	for pr.Next() {
		line, err := pr.Text()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrProtocol, err)
		}
		switch {
		case bytes.Equal(line, []byte("NAK")):
			return nil
		case bytes.HasPrefix(line, []byte("ACK ")):
			rest := string(line[len("ACK "):])
			fields := strings.Fields(rest)
			if len(fields) == 0 {
				return fmt.Errorf("%w: empty final ack", ErrProtocol)
			}
			var id gitid.ID
			if err := id.UnmarshalText([]byte(fields[0])); err != nil {
				return fmt.Errorf("%w: %v", ErrProtocol, err)
			}
			if len(fields) == 1 {
				result.Common = append(result.Common, id)
				return nil
			}
			// "ACK <id> common/ready" lines may still arrive before the
			// final ack; keep reading.
			result.Common = append(result.Common, id)
		default:
			return fmt.Errorf("%w: unexpected line %q before pack", ErrProtocol, line)
		}
	}
	return fmt.Errorf("%w: %v", ErrProtocol, pr.Err())
}

// receivePackStream demuxes the sideband pack stream and indexes it.
func receivePackStream(pr *pktline.Reader, db *odb.Database, useCaps CapabilityList, progress func(string), result *FetchResult) error {
	var packSrc io.Reader
	if useCaps.Supports(CapSideBand64k) || useCaps.Supports(CapSideBand) {
		packSrc = pktline.NewDemuxReader(pr, progress)
	} else {
		return fmt.Errorf("%w: pack without sideband", ErrProtocol)
	}

	checksum, err := db.NewInserter().InsertPack(packSrc)
	if err != nil {
		return err
	}
	result.PackChecksum = checksum
	return nil
}
