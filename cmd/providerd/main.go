// Package main implements a daemon wrapper for the network provider. It
// exposes a JSON-over-stdio protocol for integration with external
// applications, mirroring the teacher's own daemon's command/event shape
// generalized from session-oriented messaging to connect-id-oriented
// channel establishment and unary/stream RPC.
package main

import (
	"bufio"
	"bytes"
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"golang.org/x/term"

	"github.com/ecliptix-labs/channel/pkg/attest"
	"github.com/ecliptix-labs/channel/pkg/connectivity"
	"github.com/ecliptix-labs/channel/pkg/fingerprint"
	"github.com/ecliptix-labs/channel/pkg/keystore"
	"github.com/ecliptix-labs/channel/pkg/pinning"
	"github.com/ecliptix-labs/channel/pkg/provider"
	"github.com/ecliptix-labs/channel/pkg/retry"
	"github.com/ecliptix-labs/channel/pkg/session"
	"github.com/ecliptix-labs/channel/pkg/transport"
)

// Command types
const (
	CmdInitiate       = "initiate_protocol"
	CmdEstablish      = "establish_channel"
	CmdRestore        = "restore_channel"
	CmdExecuteUnary   = "execute_unary"
	CmdExecuteStream  = "execute_receive_stream"
	CmdForceFresh     = "force_fresh_connection"
	CmdClearConn      = "clear_connection"
	CmdFingerprint    = "pinned_key_fingerprint"
	CmdShutdown       = "shutdown"
)

// Event types
const (
	EvtReady         = "ready"
	EvtChannelReady  = "channel_established"
	EvtConnectivity  = "connectivity"
	EvtStreamItem    = "stream_item"
	EvtResponse      = "response"
	EvtError         = "error"
)

// Command represents an incoming command from stdin.
type Command struct {
	Type   string          `json:"type"`
	Cmd    string          `json:"cmd"`
	ID     string          `json:"id"`
	Params json.RawMessage `json:"params"`
}

// Event represents an outgoing event to stdout.
type Event struct {
	Type string `json:"type"`
	Evt  string `json:"evt"`
	ID   string `json:"id,omitempty"`
	Data any    `json:"data"`
}

type InitiateParams struct {
	ConnectID    uint32 `json:"connect_id"`
	ServerAddr   string `json:"server_addr"`
	MembershipID string `json:"membership_id"`
}

type ConnectIDParams struct {
	ConnectID uint32 `json:"connect_id"`
}

type RestoreParams struct {
	ConnectID     uint32 `json:"connect_id"`
	ServerAddr    string `json:"server_addr"`
	MembershipID  string `json:"membership_id"`
	EnablePending bool   `json:"enable_pending"`
}

type ExecuteUnaryParams struct {
	ConnectID       uint32 `json:"connect_id"`
	Service         int    `json:"service"`
	PlaintextBase64 string `json:"plaintext_base64"`
	AllowDuplicates bool   `json:"allow_duplicates"`
	WaitForRecovery bool   `json:"wait_for_recovery"`
}

type ExecuteStreamParams struct {
	ConnectID       uint32 `json:"connect_id"`
	Service         int    `json:"service"`
	PlaintextBase64 string `json:"plaintext_base64"`
	AllowDuplicates bool   `json:"allow_duplicates"`
}

// Daemon fronts a single Provider with the stdio command/event protocol.
type Daemon struct {
	mu       sync.Mutex
	prov     *provider.Provider
	pin      *pinning.Default
	output   *json.Encoder
	outputMu sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewDaemon constructs a daemon wired to a fresh Provider over a TCP
// transport and an encrypted bbolt session store at dbPath. pinnedSigPEM
// and pinnedRSAPEM are the server's long-lived signing and RSA public
// keys, provisioned out of band the way the teacher's CLI takes the
// remote public key as a dial parameter.
func NewDaemon(dbPath string, passphrase []byte, pinnedSigPEM, pinnedRSAPEM []byte) (*Daemon, error) {
	ctx, cancel := context.WithCancel(context.Background())

	store, err := session.Open(passphrase, dbPath)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("opening session store: %w", err)
	}
	ks, err := keystore.Create(10)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("creating keystore: %w", err)
	}

	sigKey, err := parsePinnedSigningKey(pinnedSigPEM)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("parsing pinned signing key: %w", err)
	}
	rsaKey, err := parsePinnedRSAKey(pinnedRSAPEM)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("parsing pinned rsa key: %w", err)
	}
	verifier := pinning.NewDefault(sigKey, rsaKey)

	d := &Daemon{
		pin:    verifier,
		output: json.NewEncoder(os.Stdout),
		ctx:    ctx,
		cancel: cancel,
	}

	rpc := transport.NewConnRPC(transport.TCP)
	d.prov = provider.New(rpc, store, ks, verifier, slog.Default())

	snapshots, _ := d.prov.Connectivity().Subscribe()
	go d.relayConnectivity(snapshots)

	return d, nil
}

func parsePinnedSigningKey(pemBytes []byte) (attest.PublicKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	return attest.ParsePublicKey(block.Bytes)
}

func parsePinnedRSAKey(pemBytes []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("pinned rsa key is not an RSA public key")
	}
	return rsaPub, nil
}

func (d *Daemon) relayConnectivity(snapshots <-chan connectivity.Snapshot) {
	for snap := range snapshots {
		d.emit(EvtConnectivity, "", map[string]any{
			"status": snap.Status.String(),
		})
	}
}

func (d *Daemon) emit(evt, correlationID string, data any) {
	d.outputMu.Lock()
	defer d.outputMu.Unlock()
	event := Event{Type: "evt", Evt: evt, ID: correlationID, Data: data}
	if err := d.output.Encode(event); err != nil {
		slog.Error("failed to emit event", slog.Any("error", err))
	}
}

func (d *Daemon) emitError(correlationID, errMsg string) {
	d.emit(EvtError, correlationID, map[string]string{"error": errMsg})
}

// Run starts the daemon's main loop: ready event, then commands from
// stdin until EOF, shutdown, or a terminating signal.
func (d *Daemon) Run() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		select {
		case <-sigCh:
			slog.Info("received shutdown signal")
			d.Shutdown()
		case <-d.ctx.Done():
		}
	}()

	d.emit(EvtReady, "", map[string]string{"pid": fmt.Sprintf("%d", os.Getpid())})

	scanner := bufio.NewScanner(os.Stdin)
	const maxScanTokenSize = 1024 * 1024
	buf := make([]byte, maxScanTokenSize)
	scanner.Buffer(buf, maxScanTokenSize)

	for scanner.Scan() {
		select {
		case <-d.ctx.Done():
			return
		default:
		}

		line := scanner.Text()
		if line == "" {
			continue
		}

		var cmd Command
		if err := json.Unmarshal([]byte(line), &cmd); err != nil {
			d.emitError("", fmt.Sprintf("invalid JSON: %v", err))
			continue
		}
		if cmd.Type != "cmd" {
			d.emitError(cmd.ID, fmt.Sprintf("unknown message type: %s", cmd.Type))
			continue
		}
		d.handleCommand(cmd)
	}
	if err := scanner.Err(); err != nil {
		slog.Error("stdin scanner error", slog.Any("error", err))
	}
}

func (d *Daemon) handleCommand(cmd Command) {
	switch cmd.Cmd {
	case CmdInitiate:
		d.handleInitiate(cmd)
	case CmdEstablish:
		d.handleEstablish(cmd)
	case CmdRestore:
		d.handleRestore(cmd)
	case CmdExecuteUnary:
		d.handleExecuteUnary(cmd)
	case CmdExecuteStream:
		d.handleExecuteStream(cmd)
	case CmdForceFresh:
		d.handleForceFresh(cmd)
	case CmdClearConn:
		d.handleClearConnection(cmd)
	case CmdFingerprint:
		d.handleFingerprint(cmd)
	case CmdShutdown:
		d.Shutdown()
	default:
		d.emitError(cmd.ID, fmt.Sprintf("unknown command: %s", cmd.Cmd))
	}
}

func (d *Daemon) handleInitiate(cmd Command) {
	var params InitiateParams
	if err := json.Unmarshal(cmd.Params, &params); err != nil {
		d.emitError(cmd.ID, fmt.Sprintf("invalid params: %v", err))
		return
	}
	settings := provider.ApplicationInstanceSettings{
		ServerAddr:   params.ServerAddr,
		MembershipID: params.MembershipID,
	}
	if err := d.prov.InitiateProtocolSystem(settings, params.ConnectID); err != nil {
		d.emitError(cmd.ID, fmt.Sprintf("initiate failed: %v", err))
		return
	}
	d.emit(EvtResponse, cmd.ID, map[string]string{"status": "initiated"})
}

func (d *Daemon) handleEstablish(cmd Command) {
	var params ConnectIDParams
	if err := json.Unmarshal(cmd.Params, &params); err != nil {
		d.emitError(cmd.ID, fmt.Sprintf("invalid params: %v", err))
		return
	}
	go func() {
		state, err := d.prov.EstablishChannel(d.ctx, params.ConnectID)
		if err != nil {
			d.emitError(cmd.ID, fmt.Sprintf("establish failed: %v", err))
			return
		}
		d.emit(EvtChannelReady, cmd.ID, map[string]any{
			"connect_id": state.ConnectID,
		})
	}()
}

// handleRestore reloads a persisted session for connect_id without
// re-running the handshake, reporting whether a prior session existed.
func (d *Daemon) handleRestore(cmd Command) {
	var params RestoreParams
	if err := json.Unmarshal(cmd.Params, &params); err != nil {
		d.emitError(cmd.ID, fmt.Sprintf("invalid params: %v", err))
		return
	}
	go func() {
		restored, err := d.prov.TryRestore(d.ctx, params.ConnectID)
		if err != nil {
			d.emitError(cmd.ID, fmt.Sprintf("restore failed: %v", err))
			return
		}
		d.emit(EvtResponse, cmd.ID, map[string]any{
			"connect_id": params.ConnectID,
			"restored":   restored,
		})
	}()
}

func (d *Daemon) handleExecuteUnary(cmd Command) {
	var params ExecuteUnaryParams
	if err := json.Unmarshal(cmd.Params, &params); err != nil {
		d.emitError(cmd.ID, fmt.Sprintf("invalid params: %v", err))
		return
	}
	plaintext, err := base64.StdEncoding.DecodeString(params.PlaintextBase64)
	if err != nil {
		d.emitError(cmd.ID, fmt.Sprintf("invalid base64 payload: %v", err))
		return
	}
	go func() {
		result, err := d.prov.ExecuteUnary(
			d.ctx, params.ConnectID, retry.ServiceType(params.Service), plaintext,
			nil, params.AllowDuplicates, params.WaitForRecovery,
		)
		if err != nil {
			d.emitError(cmd.ID, fmt.Sprintf("unary call failed: %v", err))
			return
		}
		d.emit(EvtResponse, cmd.ID, map[string]any{
			"plaintext_base64": base64.StdEncoding.EncodeToString(result.Plaintext),
			"correlation_id":   result.CorrelationID,
		})
	}()
}

func (d *Daemon) handleExecuteStream(cmd Command) {
	var params ExecuteStreamParams
	if err := json.Unmarshal(cmd.Params, &params); err != nil {
		d.emitError(cmd.ID, fmt.Sprintf("invalid params: %v", err))
		return
	}
	plaintext, err := base64.StdEncoding.DecodeString(params.PlaintextBase64)
	if err != nil {
		d.emitError(cmd.ID, fmt.Sprintf("invalid base64 payload: %v", err))
		return
	}
	go func() {
		onItem := func(b []byte) {
			d.emit(EvtStreamItem, cmd.ID, map[string]any{
				"connect_id":       params.ConnectID,
				"plaintext_base64": base64.StdEncoding.EncodeToString(b),
			})
		}
		_, err := d.prov.ExecuteReceiveStream(
			d.ctx, params.ConnectID, retry.ServiceType(params.Service), plaintext,
			onItem, params.AllowDuplicates,
		)
		if err != nil && !errors.Is(err, context.Canceled) {
			d.emitError(cmd.ID, fmt.Sprintf("receive stream failed: %v", err))
			return
		}
		d.emit(EvtResponse, cmd.ID, map[string]string{"status": "stream_closed"})
	}()
}

func (d *Daemon) handleForceFresh(cmd Command) {
	go func() {
		result, err := d.prov.ForceFreshConnection(d.ctx)
		if err != nil {
			d.emitError(cmd.ID, fmt.Sprintf("force fresh connection failed: %v", err))
			return
		}
		d.emit(EvtResponse, cmd.ID, map[string]string{"correlation_id": result.CorrelationID})
	}()
}

func (d *Daemon) handleClearConnection(cmd Command) {
	var params ConnectIDParams
	if err := json.Unmarshal(cmd.Params, &params); err != nil {
		d.emitError(cmd.ID, fmt.Sprintf("invalid params: %v", err))
		return
	}
	d.prov.ClearConnection(params.ConnectID)
	d.emit(EvtResponse, cmd.ID, map[string]string{"status": "cleared"})
}

// handleFingerprint renders the pinned signing and RSA keys as
// hex/emoji/base64 strings so two endpoints can compare them out of band
// before trusting a connection, the same safety-number idea the teacher
// exposes through pkg/fingerprint.
func (d *Daemon) handleFingerprint(cmd Command) {
	sigBytes := d.pin.PinnedSigningKey().Marshal()
	rsaBytes := x509.MarshalPKCS1PublicKey(d.pin.PinnedRSAPublicKey())
	combined := append(append([]byte{}, sigBytes...), rsaBytes...)

	qr, err := fingerprint.QrCode(combined)
	if err != nil {
		d.emitError(cmd.ID, err.Error())
		return
	}

	d.emit(EvtResponse, cmd.ID, map[string]any{
		"hex":    fingerprint.Hex(combined),
		"emoji":  fingerprint.Emoji(combined),
		"base64": fingerprint.Base64(combined),
		"qr":     string(qr),
	})
}

// Shutdown gracefully disposes the provider and exits.
func (d *Daemon) Shutdown() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cancel()
	d.prov.Dispose()
	d.emit(EvtResponse, "", map[string]string{"status": "shutdown"})
	os.Exit(0)
}

func main() {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})
	slog.SetDefault(slog.New(handler))

	dbPath := os.Getenv("PROVIDERD_DB_PATH")
	if dbPath == "" {
		dbPath = "providerd-sessions.db"
	}
	passphrase, err := readPassphrase()
	if err != nil {
		slog.Error("failed to obtain db passphrase", slog.Any("error", err))
		os.Exit(1)
	}
	pinnedSig := os.Getenv("PROVIDERD_PINNED_SIGNING_KEY_PEM")
	pinnedRSA := os.Getenv("PROVIDERD_PINNED_RSA_KEY_PEM")
	if pinnedSig == "" || pinnedRSA == "" {
		slog.Error("PROVIDERD_PINNED_SIGNING_KEY_PEM and PROVIDERD_PINNED_RSA_KEY_PEM must be set")
		os.Exit(1)
	}

	daemon, err := NewDaemon(dbPath, passphrase, []byte(pinnedSig), []byte(pinnedRSA))
	if err != nil {
		slog.Error("failed to start daemon", slog.Any("error", err))
		os.Exit(1)
	}
	daemon.Run()
}

// readPassphrase prefers PROVIDERD_DB_PASSPHRASE to avoid stdin prompts in
// non-interactive daemon contexts, falling back to a non-echoing terminal
// prompt when stdin is a TTY.
func readPassphrase() ([]byte, error) {
	if envPass := os.Getenv("PROVIDERD_DB_PASSPHRASE"); envPass != "" {
		return []byte(envPass), nil
	}
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return nil, fmt.Errorf("PROVIDERD_DB_PASSPHRASE must be set when stdin is not a terminal")
	}
	fmt.Fprint(os.Stderr, "Enter db passphrase: ")
	pass, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, err
	}
	return bytes.TrimSpace(pass), nil
}
