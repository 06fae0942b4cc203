// Copyright (C) 2023-2026  AquaFS Contributors
//
// SPDX-License-Identifier: GPL-2.0-or-later

package raid

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/aquafs-dev/aquafs/lib/zbd"
)

// BackendOpener turns one comma-separated device spec from a RAID
// URI (e.g. "mem://8", "/dev/sdb") into an opened Backend. Callers
// supply this so that raid itself never has to know how to reach the
// kernel or a particular mock.
type BackendOpener func(ctx context.Context, spec string) (zbd.Backend, error)

// Open parses a RAID URI of the form
//
//	raid<mode>:<spec>[,<spec>]*[?option=value[&option=value]*]
//
// where <mode> is one of:
//
//	0  stripe (RAID0-style block interleave)
//	1  mirror (RAID1-style replication; takes ?replicas=N, default 2)
//	c  concat (disjoint union of backend address spaces)
//	a  auto   (per-zone mode; takes ?default=none|concat|stripe|mirror
//	           and, if default=mirror, ?replicas=N)
//	n  none   (pass-through to the first device)
//
// and opens every comma-separated backend spec with opener before
// constructing the Device.
func Open(ctx context.Context, uri string, opener BackendOpener) (*Device, error) {
	scheme, rest, ok := strings.Cut(uri, ":")
	if !ok {
		return nil, &zbd.Error{Kind: zbd.InvalidArgument, Op: "Open", Err: fmt.Errorf("missing scheme in URI %q", uri)}
	}
	if !strings.HasPrefix(scheme, "raid") || len(scheme) != len("raid")+1 {
		return nil, &zbd.Error{Kind: zbd.InvalidArgument, Op: "Open", Err: fmt.Errorf("unrecognized scheme %q", scheme)}
	}
	modeCode := scheme[len("raid"):]

	specPart, query := rest, ""
	if i := strings.IndexByte(rest, '?'); i >= 0 {
		specPart, query = rest[:i], rest[i+1:]
	}
	specs := strings.Split(specPart, ",")
	if len(specs) == 0 || specs[0] == "" {
		return nil, &zbd.Error{Kind: zbd.InvalidArgument, Op: "Open", Err: fmt.Errorf("no backend specs in URI %q", uri)}
	}
	options, err := url.ParseQuery(query)
	if err != nil {
		return nil, &zbd.Error{Kind: zbd.InvalidArgument, Op: "Open", Err: fmt.Errorf("parsing options: %w", err)}
	}

	backends := make([]zbd.Backend, len(specs))
	for i, s := range specs {
		b, err := opener(ctx, s)
		if err != nil {
			return nil, fmt.Errorf("opening backend %q: %w", s, err)
		}
		if _, _, err := b.Open(ctx, false); err != nil {
			return nil, fmt.Errorf("opening backend %q: %w", s, err)
		}
		backends[i] = b
	}

	switch modeCode {
	case "0":
		return OpenStripe(ctx, backends)
	case "1":
		replicas := 2
		if v := options.Get("replicas"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return nil, &zbd.Error{Kind: zbd.InvalidArgument, Op: "Open", Err: fmt.Errorf("invalid replicas=%q: %w", v, err)}
			}
			replicas = n
		}
		return OpenMirror(ctx, backends, replicas)
	case "c":
		return OpenConcat(ctx, backends)
	case "n":
		return OpenNone(ctx, backends)
	case "a":
		defaultMode := ModeMirror
		switch v := options.Get("default"); v {
		case "", "mirror":
			defaultMode = ModeMirror
		case "none":
			defaultMode = ModeNone
		case "concat":
			defaultMode = ModeConcat
		case "stripe":
			defaultMode = ModeStripe
		default:
			return nil, &zbd.Error{Kind: zbd.InvalidArgument, Op: "Open", Err: fmt.Errorf("invalid default=%q", v)}
		}
		replicas := 2
		if v := options.Get("replicas"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return nil, &zbd.Error{Kind: zbd.InvalidArgument, Op: "Open", Err: fmt.Errorf("invalid replicas=%q: %w", v, err)}
			}
			replicas = n
		}
		return OpenAuto(ctx, backends, defaultMode, replicas)
	default:
		return nil, &zbd.Error{Kind: zbd.InvalidArgument, Op: "Open", Err: fmt.Errorf("unrecognized mode code %q", modeCode)}
	}
}
