package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/odvcencio/grit/pkg/gitid"
	"github.com/odvcencio/grit/pkg/pktline"
)

// ServeUploadPackV2 runs the protocol v2 server loop: greet with the
// capability advertisement, then answer ls-refs and fetch commands until
// the client disconnects.
func ServeUploadPackV2(ctx context.Context, conn Conn, sr *ServerRepo) error {
	var buf []byte
	buf = pktline.AppendString(buf, v2VersionLine+"\n")
	buf = pktline.AppendString(buf, CapAgent+"="+DefaultAgent+"\n")
	buf = pktline.AppendString(buf, v2CmdLsRefs+"\n")
	buf = pktline.AppendString(buf, v2CmdFetch+"=shallow wait-for-done\n")
	buf = pktline.AppendString(buf, CapObjectFormat+"="+objectFormatSHA1+"\n")
	buf = pktline.AppendFlush(buf)
	if _, err := conn.Write(buf); err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}

	pr := pktline.NewReader(conn)
	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %v", ErrCancelled, err)
		}
		if !pr.Next() {
			if errors.Is(pr.Err(), io.EOF) {
				return nil
			}
			return fmt.Errorf("%w: %v", ErrProtocol, pr.Err())
		}
		if pr.Type() == pktline.Flush {
			// A bare flush between commands is permitted.
			continue
		}
		line, err := pr.Text()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrProtocol, err)
		}
		command, ok := strings.CutPrefix(string(line), "command=")
		if !ok {
			return fmt.Errorf("%w: expected command, got %q", ErrProtocol, line)
		}
		switch command {
		case v2CmdLsRefs:
			err = serveLsRefsV2(conn, pr, sr)
		case v2CmdFetch:
			err = serveFetchV2(ctx, conn, pr, sr)
		default:
			return fmt.Errorf("%w: unknown command %q", ErrProtocol, command)
		}
		if err != nil {
			return err
		}
	}
}

// skipToArgs consumes capability lines until the delim (or flush for an
// argument-less request).
func skipToArgs(pr *pktline.Reader) (bool, error) {
	for pr.Next() {
		switch pr.Type() {
		case pktline.Delim:
			return true, nil
		case pktline.Flush:
			return false, nil
		}
	}
	return false, fmt.Errorf("%w: %v", ErrProtocol, pr.Err())
}

func serveLsRefsV2(conn Conn, pr *pktline.Reader, sr *ServerRepo) error {
	wantSymrefs := false
	wantPeel := false
	var prefixes []string

	hasArgs, err := skipToArgs(pr)
	if err != nil {
		return err
	}
	if hasArgs {
		for pr.Next() && pr.Type() == pktline.Data {
			line, err := pr.Text()
			if err != nil {
				return fmt.Errorf("%w: %v", ErrProtocol, err)
			}
			switch {
			case bytes.Equal(line, []byte("symrefs")):
				wantSymrefs = true
			case bytes.Equal(line, []byte("peel")):
				wantPeel = true
			case bytes.HasPrefix(line, []byte("ref-prefix ")):
				prefixes = append(prefixes, string(line[len("ref-prefix "):]))
			default:
				return fmt.Errorf("%w: unknown ls-refs argument %q", ErrProtocol, line)
			}
		}
		if err := pr.Err(); err != nil {
			return fmt.Errorf("%w: %v", ErrProtocol, err)
		}
	}

	advertised, headTarget, err := sr.advertisedRefs()
	if err != nil {
		return err
	}

	var buf []byte
	for _, r := range advertised {
		if len(prefixes) > 0 && !matchesAnyPrefix(r.Name, prefixes) {
			continue
		}
		line := r.ID.String() + " " + r.Name
		if wantSymrefs && r.Name == "HEAD" && headTarget != "" {
			line += " symref-target:" + headTarget
		}
		if wantPeel && !r.Peeled.IsZero() {
			line += " peeled:" + r.Peeled.String()
		}
		buf = pktline.AppendString(buf, line+"\n")
	}
	buf = pktline.AppendFlush(buf)
	if _, err := conn.Write(buf); err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return nil
}

func matchesAnyPrefix(name string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

type fetchArgsV2 struct {
	uploadRequest
	haves      []gitid.ID
	done       bool
	sideband   bool
	noProgress bool
}

func serveFetchV2(ctx context.Context, conn Conn, pr *pktline.Reader, sr *ServerRepo) error {
	args := &fetchArgsV2{}
	args.caps = CapabilityList{CapSideBand64k: ""}

	hasArgs, err := skipToArgs(pr)
	if err != nil {
		return err
	}
	if !hasArgs {
		return fmt.Errorf("%w: fetch command without arguments", ErrProtocol)
	}
	for pr.Next() && pr.Type() == pktline.Data {
		line, err := pr.Text()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrProtocol, err)
		}
		if err := parseFetchArgV2(args, line); err != nil {
			return err
		}
	}
	if err := pr.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}

	// Filter to wants we actually have; unknown wants are an error.
	for _, id := range args.wants {
		if !sr.DB.HasObject(id) {
			return fmt.Errorf("%w: want %s not found", ErrMissing, id)
		}
	}

	var common []gitid.ID
	for _, id := range args.haves {
		if sr.DB.HasObject(id) {
			common = append(common, id)
		}
	}

	var buf []byte
	buf = pktline.AppendString(buf, "acknowledgments\n")
	if len(common) == 0 {
		buf = pktline.AppendString(buf, "NAK\n")
	}
	for _, id := range common {
		buf = pktline.AppendString(buf, "ACK "+id.String()+"\n")
	}
	if !args.done {
		if len(common) > 0 {
			buf = pktline.AppendString(buf, "ready\n")
		}
		// Without done the response ends here; the client re-requests.
		buf = pktline.AppendFlush(buf)
		if _, err := conn.Write(buf); err != nil {
			return fmt.Errorf("%w: %v", ErrTransport, err)
		}
		return nil
	}

	shallowBoundary := args.shallow
	if args.depth > 0 {
		boundary, _, err := commitsAtDepth(sr.DB, args.wants, args.depth)
		if err != nil {
			return err
		}
		buf = pktline.AppendDelim(buf)
		buf = pktline.AppendString(buf, "shallow-info\n")
		for _, id := range boundary {
			buf = pktline.AppendString(buf, "shallow "+id.String()+"\n")
		}
		shallowBoundary = boundary
	}

	buf = pktline.AppendDelim(buf)
	buf = pktline.AppendString(buf, "packfile\n")
	if _, err := conn.Write(buf); err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}

	req := &args.uploadRequest
	return sendPack(ctx, conn, sr, req, common, shallowBoundary)
}

func parseFetchArgV2(args *fetchArgsV2, line []byte) error {
	switch {
	case bytes.HasPrefix(line, []byte("want ")):
		var id gitid.ID
		if err := id.UnmarshalText(line[len("want "):]); err != nil {
			return fmt.Errorf("%w: %v", ErrProtocol, err)
		}
		args.wants = append(args.wants, id)
	case bytes.HasPrefix(line, []byte("have ")):
		var id gitid.ID
		if err := id.UnmarshalText(line[len("have "):]); err != nil {
			return fmt.Errorf("%w: %v", ErrProtocol, err)
		}
		args.haves = append(args.haves, id)
	case bytes.Equal(line, []byte("done")):
		args.done = true
	case bytes.Equal(line, []byte("wait-for-done")):
	case bytes.Equal(line, []byte("thin-pack")):
		args.caps[CapThinPack] = ""
	case bytes.Equal(line, []byte("no-progress")):
		args.noProgress = true
		args.caps[CapNoProgress] = ""
	case bytes.Equal(line, []byte("include-tag")):
		args.caps[CapIncludeTag] = ""
	case bytes.Equal(line, []byte("ofs-delta")):
	case bytes.Equal(line, []byte("sideband-all")):
		args.sideband = true
	case bytes.HasPrefix(line, []byte("shallow ")):
		var id gitid.ID
		if err := id.UnmarshalText(line[len("shallow "):]); err != nil {
			return fmt.Errorf("%w: %v", ErrProtocol, err)
		}
		args.shallow = append(args.shallow, id)
	case bytes.HasPrefix(line, []byte("deepen ")):
		if _, err := fmt.Sscanf(string(line), "deepen %d", &args.depth); err != nil {
			return fmt.Errorf("%w: %v", ErrProtocol, err)
		}
	case bytes.Equal(line, []byte("deepen-relative")):
	case bytes.HasPrefix(line, []byte("deepen-since ")):
		if _, err := fmt.Sscanf(string(line), "deepen-since %d", &args.deepenSince); err != nil {
			return fmt.Errorf("%w: %v", ErrProtocol, err)
		}
	case bytes.HasPrefix(line, []byte("deepen-not ")):
		args.deepenNot = append(args.deepenNot, string(line[len("deepen-not "):]))
	case bytes.HasPrefix(line, []byte("filter ")):
		args.filter = string(line[len("filter "):])
	case bytes.HasPrefix(line, []byte("agent=")), bytes.HasPrefix(line, []byte("session-id=")),
		bytes.HasPrefix(line, []byte("server-option=")), bytes.HasPrefix(line, []byte("packfile-uris ")):
		// Accepted and recorded nowhere; these do not change the pack.
	default:
		return fmt.Errorf("%w: unknown fetch argument %q", ErrProtocol, line)
	}
	return nil
}
