// Package sync is the orchestrator (C11): it selects an action
// (clone/pull/repair/use-local-pack), sequences the transport, wire,
// protocol, pack, delta, scan, manifest, and materializer packages to
// carry it out, and writes the revision marker file (spec.md §4.11, §6).
package sync

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"git.home.luguber.info/inful/gitup/internal/delta"
	"git.home.luguber.info/inful/gitup/internal/ferr"
	"git.home.luguber.info/inful/gitup/internal/httpwire"
	"git.home.luguber.info/inful/gitup/internal/logfields"
	"git.home.luguber.info/inful/gitup/internal/manifest"
	"git.home.luguber.info/inful/gitup/internal/materialize"
	"git.home.luguber.info/inful/gitup/internal/metrics"
	"git.home.luguber.info/inful/gitup/internal/objecthash"
	"git.home.luguber.info/inful/gitup/internal/objstore"
	"git.home.luguber.info/inful/gitup/internal/pack"
	"git.home.luguber.info/inful/gitup/internal/protocol"
	"git.home.luguber.info/inful/gitup/internal/retry"
	"git.home.luguber.info/inful/gitup/internal/scan"
	"git.home.luguber.info/inful/gitup/internal/transport"
)

// Options is the connection state and flag set the CLI layer assembles
// from the configuration file and command-line flags (spec.md §6's
// "Connection state").
type Options struct {
	Section    string
	Host       string
	Port       int
	Proxy      *transport.ProxyConfig
	Repository string

	Branch string
	Tag    string
	Want   string // explicit -w override; resolved via ls-refs if empty
	Have   string // explicit -h override; read from the manifest if empty

	Target         string
	WorkDirectory  string
	IgnorePrefixes []string

	Clone        bool
	Repair       bool
	LowMemory    bool
	KeepPackFile bool
	UsePackFile  string

	Verbosity    int
	DisplayDepth int
}

// Action names the four mutually exclusive run modes spec.md §4.10's
// control-flow paragraph describes.
type Action string

const (
	ActionClone        Action = "clone"
	ActionPull         Action = "pull"
	ActionRepair       Action = "repair"
	ActionUseLocalPack Action = "use-local-pack"
)

// Result summarizes a completed run, for the CLI layer to report.
type Result struct {
	Action         Action
	Want           string
	RefLabel       string
	Notices        []string
	RepairDeferred bool
}

// manifestPath returns the persisted manifest's path for section,
// url-encoded so a section name can't escape the work directory
// (spec.md §6's on-disk layout).
func manifestPath(workDir, section string) string {
	return filepath.Join(workDir, url.QueryEscape(section))
}

func scratchPath(workDir, section string) string {
	return filepath.Join(workDir, section+".tmp")
}

func packFilePath(section, want string) string {
	return fmt.Sprintf("%s-%s.pack", section, want)
}

// selectAction implements spec.md §4.10's action-selection rule: an
// explicit local pack file always wins, an explicit -r forces a
// standalone repair run, an explicit -c or a missing previous manifest
// forces a clone, and everything else is an incremental pull (which
// itself always opens with the automatic mismatch-repair pre-step,
// spec.md §4.11).
func selectAction(opts Options, haveManifest bool) Action {
	if opts.UsePackFile != "" {
		return ActionUseLocalPack
	}
	if opts.Repair {
		return ActionRepair
	}
	if opts.Clone || !haveManifest {
		return ActionClone
	}
	return ActionPull
}

// Run executes one synchronization cycle.
func Run(ctx context.Context, opts Options, log *slog.Logger, rec metrics.Recorder, now time.Time) (*Result, error) {
	if rec == nil {
		rec = metrics.NoopRecorder{}
	}
	start := time.Now()

	store := objstore.NewStore(opts.Repair)
	if opts.LowMemory {
		if err := store.EnableLowMemory(scratchPath(opts.WorkDirectory, opts.Section)); err != nil {
			return nil, err
		}
	}
	defer store.Close()

	mpath := manifestPath(opts.WorkDirectory, opts.Section)
	var mf *manifest.Manifest
	if m, err := manifest.Load(mpath, store); err == nil {
		mf = m
	}

	action := selectAction(opts, mf != nil)
	log.Info("selected action", logfields.Section(opts.Section), logfields.Action(string(action)))

	result, err := dispatch(ctx, opts, action, mf, store, log, rec, now, mpath)
	rec.ObserveRunDuration(string(action), time.Since(start))
	rec.IncRunOutcome(string(action), err == nil)
	return result, err
}

func dispatch(
	ctx context.Context,
	opts Options,
	action Action,
	mf *manifest.Manifest,
	store *objstore.Store,
	log *slog.Logger,
	rec metrics.Recorder,
	now time.Time,
	mpath string,
) (*Result, error) {
	switch action {
	case ActionUseLocalPack:
		return runFromLocalPack(opts, store, log, rec, mpath)
	case ActionRepair:
		return runRepairOnly(opts, mf, store, log, rec, mpath)
	case ActionClone:
		return runWire(ctx, opts, nil, action, store, log, rec, now, mpath)
	default:
		localScan, err := scan.Scan(opts.Target, opts.IgnorePrefixes, mfHashes{mf})
		if err != nil {
			return nil, err
		}
		if mf != nil {
			if mismatched := materialize.MismatchedPaths(mf.ByPath, localScan.ByPath); len(mismatched) > 0 {
				rec.SetRepairWantCount(len(mismatched))
				if _, err := runRepairFetch(ctx, opts, mismatched, store, log, rec, mf, localScan, mpath); err != nil {
					return nil, err
				}
				return &Result{Action: ActionPull, RepairDeferred: true}, nil
			}
			if opts.Have == "" {
				opts.Have = mf.CommitHash.String()
			}
		}
		return runWire(ctx, opts, localScan, action, store, log, rec, now, mpath)
	}
}

// mfHashes adapts a possibly-nil *manifest.Manifest to C8's
// manifestHashes interface.
type mfHashes struct{ m *manifest.Manifest }

func (h mfHashes) DirHash(path string) (objecthash.Hash, bool) {
	if h.m == nil {
		return objecthash.Hash{}, false
	}
	return h.m.DirHash(path)
}

// runWire drives the network path common to clone and pull: ls-refs,
// resolve want, fetch, decode, resolve deltas, materialize. ls-refs and
// fetch each get their own freshly dialed connection.
func runWire(
	ctx context.Context,
	opts Options,
	localScan *scan.Result,
	action Action,
	store *objstore.Store,
	log *slog.Logger,
	rec metrics.Recorder,
	now time.Time,
	mpath string,
) (*Result, error) {
	conn, err := transport.Dial(ctx, opts.Host, opts.Port, opts.Proxy, retry.DefaultPolicy(), log, rec)
	if err != nil {
		return nil, err
	}

	lsResp, err := doRequest(conn, opts, protocol.BuildLsRefs())
	conn.Close()
	if err != nil {
		return nil, err
	}

	want, refLabel, err := resolveWant(opts, lsResp.Body, now)
	if err != nil {
		return nil, err
	}
	log.Info("resolved want", logfields.Section(opts.Section), logfields.Want(want), logfields.Branch(refLabel))

	var fetchBody []byte
	if action == ActionClone {
		fetchBody = protocol.BuildCloneFetch(want)
	} else {
		fetchBody = protocol.BuildPullFetch(want, opts.Have)
	}

	fetchConn, err := transport.Dial(ctx, opts.Host, opts.Port, opts.Proxy, retry.DefaultPolicy(), log, rec)
	if err != nil {
		return nil, err
	}
	defer fetchConn.Close()

	fetchResp, err := doRequest(fetchConn, opts, fetchBody)
	if err != nil {
		return nil, err
	}
	packBytes, err := protocol.ExtractPackfile(fetchResp.Body)
	if err != nil {
		return nil, err
	}
	rec.AddPackBytes(int64(len(packBytes)))

	if opts.KeepPackFile {
		if err := os.WriteFile(packFilePath(opts.Section, want), packBytes, 0o644); err != nil {
			return nil, storageErr("write kept pack file", err)
		}
	}

	if localScan == nil {
		localScan, err = scan.Scan(opts.Target, opts.IgnorePrefixes, mfHashes{nil})
		if err != nil {
			return nil, err
		}
	}

	return decodeAndMaterialize(packBytes, want, refLabel, action, store, localScan, opts, log, rec, mpath)
}

// runFromLocalPack bypasses the network entirely, reading pack bytes
// from opts.UsePackFile (the -u flag), per spec.md §4.10's
// "use-local-pack" action.
func runFromLocalPack(opts Options, store *objstore.Store, log *slog.Logger, rec metrics.Recorder, mpath string) (*Result, error) {
	packBytes, err := os.ReadFile(opts.UsePackFile)
	if err != nil {
		return nil, storageErr("read local pack file "+opts.UsePackFile, err)
	}
	rec.AddPackBytes(int64(len(packBytes)))

	localScan, err := scan.Scan(opts.Target, opts.IgnorePrefixes, mfHashes{nil})
	if err != nil {
		return nil, err
	}

	if opts.Want == "" {
		return nil, ferr.ConfigErr("use-local-pack requires an explicit -w want commit hash").Build()
	}
	return decodeAndMaterialize(packBytes, opts.Want, opts.Branch, ActionUseLocalPack, store, localScan, opts, log, rec, mpath)
}

// runRepairOnly performs a standalone forced repair run (the explicit
// -r flag): no incremental pull follows in this invocation.
func runRepairOnly(opts Options, mf *manifest.Manifest, store *objstore.Store, log *slog.Logger, rec metrics.Recorder, mpath string) (*Result, error) {
	if mf == nil {
		return nil, ferr.RepairErr("repair requested but no manifest exists yet; run a clone first").Build()
	}
	localScan, err := scan.Scan(opts.Target, opts.IgnorePrefixes, mfHashes{mf})
	if err != nil {
		return nil, err
	}
	mismatched := materialize.MismatchedPaths(mf.ByPath, localScan.ByPath)
	rec.SetRepairWantCount(len(mismatched))
	if len(mismatched) == 0 {
		return &Result{Action: ActionRepair}, nil
	}
	return runRepairFetch(context.Background(), opts, mismatched, store, log, rec, mf, localScan, mpath)
}

// runRepairFetch builds and executes a repair-fetch over the wire for
// exactly the given blob hashes, then writes the recovered files
// (spec.md §4.11). It does not rewrite the manifest's commit pointer.
func runRepairFetch(
	ctx context.Context,
	opts Options,
	mismatchedHashes []string,
	store *objstore.Store,
	log *slog.Logger,
	rec metrics.Recorder,
	mf *manifest.Manifest,
	localScan *scan.Result,
	mpath string,
) (*Result, error) {
	rec.IncRepairRound()
	fetchBody, err := protocol.BuildRepairFetch(mismatchedHashes)
	if err != nil {
		return nil, err
	}

	conn, err := transport.Dial(ctx, opts.Host, opts.Port, opts.Proxy, retry.DefaultPolicy(), log, rec)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	resp, err := doRequest(conn, opts, fetchBody)
	if err != nil {
		return nil, err
	}
	packBytes, err := protocol.ExtractPackfile(resp.Body)
	if err != nil {
		return nil, err
	}
	rec.AddPackBytes(int64(len(packBytes)))

	count, err := pack.Decode(packBytes, store)
	if err != nil {
		return nil, err
	}
	rec.AddObjectsDecoded(count)

	if err := delta.Resolve(store, nil); err != nil {
		return nil, err
	}
	if err := store.FinalizeLowMemory(); err != nil {
		return nil, err
	}

	remoteByPath, notices, err := materialize.Walk(store, mf.CommitHash, localScan.ByPath, localScan.ByHash, opts.Target)
	if err != nil {
		return nil, err
	}
	if err := materialize.WriteFiles(remoteByPath, store, opts.Target); err != nil {
		return nil, err
	}
	rec.AddFilesWritten(countSaved(remoteByPath))

	if err := rewriteManifest(mpath, mf.CommitHash, remoteByPath); err != nil {
		return nil, err
	}

	return &Result{Action: ActionRepair, Want: mf.CommitHash.String(), Notices: notices}, nil
}

// decodeAndMaterialize runs the common tail shared by clone, pull, and
// use-local-pack once pack bytes are in hand: C5 decode, C7 resolve,
// C10 walk, C9 rewrite, C10 write/prune, and the revision marker.
func decodeAndMaterialize(
	packBytes []byte,
	want string,
	refLabel string,
	action Action,
	store *objstore.Store,
	localScan *scan.Result,
	opts Options,
	log *slog.Logger,
	rec metrics.Recorder,
	mpath string,
) (*Result, error) {
	count, err := pack.Decode(packBytes, store)
	if err != nil {
		return nil, err
	}
	rec.AddObjectsDecoded(count)
	log.Info("decoded pack", logfields.Section(opts.Section), logfields.Objects(count), logfields.PackBytes(int64(len(packBytes))))

	resolver := localBlobResolver{root: opts.Target, byHash: localScan.ByHash}
	if err := delta.Resolve(store, resolver); err != nil {
		return nil, err
	}
	if err := store.FinalizeLowMemory(); err != nil {
		return nil, err
	}

	wantHash, err := objecthash.ParseHex(want)
	if err != nil {
		return nil, protocolErr(fmt.Sprintf("want %q is not a valid object hash", want))
	}

	remoteByPath, notices, err := materialize.Walk(store, wantHash, localScan.ByPath, localScan.ByHash, opts.Target)
	if err != nil {
		return nil, err
	}

	if err := rewriteManifest(mpath, wantHash, remoteByPath); err != nil {
		return nil, err
	}

	if err := materialize.WriteFiles(remoteByPath, store, opts.Target); err != nil {
		return nil, err
	}
	rec.AddFilesWritten(countSaved(remoteByPath))

	if err := materialize.Prune(localScan.ByPath, opts.IgnorePrefixes, opts.Target); err != nil {
		return nil, err
	}
	rec.AddFilesDeleted(countPruned(localScan.ByPath, opts.IgnorePrefixes))

	if err := writeRevisionMarker(opts.Target, refLabel, want); err != nil {
		return nil, err
	}

	return &Result{Action: action, Want: want, RefLabel: refLabel, Notices: notices}, nil
}

// localBlobResolver lets C7 recover a ref-delta base that isn't in the
// pack by reading it from the local working tree via C8's by-hash index
// (spec.md §4.7's stated fallback).
type localBlobResolver struct {
	root   string
	byHash map[objecthash.Hash][]*scan.Entry
}

func (r localBlobResolver) ResolveLocalBlob(hash objecthash.Hash) ([]byte, bool, error) {
	candidates := r.byHash[hash]
	if len(candidates) == 0 {
		return nil, false, nil
	}
	content, err := os.ReadFile(filepath.Join(r.root, candidates[0].Path))
	if err != nil {
		return nil, false, storageErr("read local ref-delta base", err)
	}
	return content, true, nil
}

// resolveWant determines the target commit hash and a human-readable
// label for it: an explicit -w always wins; otherwise an explicit tag
// or branch is resolved via ls-refs, and failing both, the quarterly
// pseudo-branch scheme tries the current quarter, then the previous
// one (spec.md §4.4).
func resolveWant(opts Options, lsRefsResponse []byte, now time.Time) (want, refLabel string, err error) {
	if opts.Want != "" {
		label := opts.Branch
		if label == "" {
			label = opts.Tag
		}
		if label == "" {
			label = opts.Want
		}
		return opts.Want, label, nil
	}

	if opts.Tag != "" {
		hash, err := protocol.ResolveRef(lsRefsResponse, "refs/tags/"+opts.Tag)
		if err != nil {
			return "", "", err
		}
		return hash, opts.Tag, nil
	}
	if opts.Branch != "" {
		hash, err := protocol.ResolveRef(lsRefsResponse, "refs/heads/"+opts.Branch)
		if err != nil {
			return "", "", err
		}
		return hash, opts.Branch, nil
	}

	current := protocol.ResolveQuarterlyRef(now)
	if hash, err := protocol.ResolveRef(lsRefsResponse, current); err == nil {
		return hash, strings.TrimPrefix(current, "refs/heads/"), nil
	}
	previous := protocol.PreviousQuarterlyRef(now)
	hash, err := protocol.ResolveRef(lsRefsResponse, previous)
	if err != nil {
		return "", "", err
	}
	return hash, strings.TrimPrefix(previous, "refs/heads/"), nil
}

// doRequest sends body as a git-upload-pack request over conn.
func doRequest(conn *transport.Conn, opts Options, body []byte) (*httpwire.Response, error) {
	req := &httpwire.Request{
		Method: "POST",
		Path:   uploadPackPath(opts.Repository),
		Host:   opts.Host,
		Headers: map[string]string{
			"Content-Type": "application/x-git-upload-pack-request",
			"Accept":       "application/x-git-upload-pack-result",
			"Git-Protocol": "version=2",
			"User-Agent":   "gitup/1.0",
		},
		Body: body,
	}
	return httpwire.Do(conn, req)
}

func uploadPackPath(repository string) string {
	repository = strings.TrimSuffix(repository, "/")
	if !strings.HasPrefix(repository, "/") {
		repository = "/" + repository
	}
	return repository + "/git-upload-pack"
}

// writeRevisionMarker writes <target>/.gituprevision: one line,
// "<branch-or-tag>:<first-9-chars-of-want>\n" (spec.md §6).
func writeRevisionMarker(targetRoot, refLabel, want string) error {
	short := want
	if len(short) > 9 {
		short = short[:9]
	}
	line := fmt.Sprintf("%s:%s\n", refLabel, short)
	path := filepath.Join(targetRoot, ".gituprevision")
	if err := os.WriteFile(path, []byte(line), 0o644); err != nil {
		return storageErr("write revision marker", err)
	}
	return nil
}

// rewriteManifest flattens remoteByPath into manifest entries and
// persists them under commitHash, per C9 (spec.md §4.9, §4.10).
func rewriteManifest(mpath string, commitHash objecthash.Hash, remoteByPath map[string]*materialize.RemoteEntry) error {
	entries := make(map[string]manifest.Entry, len(remoteByPath))
	for path, e := range remoteByPath {
		entries[path] = manifest.Entry{Mode: e.Mode, Hash: e.Hash, IsDir: e.IsDir}
	}
	return manifest.Write(mpath, commitHash, entries)
}

func countSaved(remoteByPath map[string]*materialize.RemoteEntry) int {
	n := 0
	for _, e := range remoteByPath {
		if e.Save {
			n++
		}
	}
	return n
}

func countPruned(localByPath map[string]*scan.Entry, ignorePrefixes []string) int {
	n := 0
	for path, e := range localByPath {
		if e.Keep {
			continue
		}
		spared := false
		for _, p := range ignorePrefixes {
			if strings.HasPrefix(path, p) {
				spared = true
				break
			}
		}
		if !spared {
			n++
		}
	}
	return n
}

func protocolErr(message string) error {
	return ferr.ProtocolErr(message).Build()
}

func storageErr(message string, cause error) error {
	b := ferr.StorageErr(message)
	if cause != nil {
		b = b.WithCause(cause)
	}
	return b.Build()
}
