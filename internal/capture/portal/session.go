// Package portal captures the screen on Wayland through xdg-desktop-portal.
// The portal hands out a PipeWire node which is then read by a gst-launch
// subprocess, so no GStreamer bindings are linked.
package portal

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/bryanchriswhite/FaceKeypoints/internal/logger"
	"github.com/godbus/dbus/v5"
)

const (
	portalService   = "org.freedesktop.portal.Desktop"
	portalPath      = "/org/freedesktop/portal/desktop"
	screenCastIface = "org.freedesktop.portal.ScreenCast"
	requestIface    = "org.freedesktop.portal.Request"
	sessionIface    = "org.freedesktop.portal.Session"
)

// SelectSources option values
const (
	sourceTypeMonitor   = 1 << 0
	cursorModeEmbedded  = 1 << 1
	persistModeSession  = 2
	defaultRequestLimit = 30 * time.Second
	selectRequestLimit  = 60 * time.Second
)

var tokenSeq atomic.Uint64

// screenCast is one portal ScreenCast session
type screenCast struct {
	conn          *dbus.Conn
	sessionHandle dbus.ObjectPath
	restoreToken  string
	tokenPath     string
}

func newScreenCast() (*screenCast, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to session bus: %w", err)
	}

	sc := &screenCast{conn: conn, tokenPath: restoreTokenPath()}
	sc.restoreToken = loadRestoreToken(sc.tokenPath)
	return sc, nil
}

func restoreTokenPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = os.Getenv("HOME")
	}
	return filepath.Join(dir, "facekeypoints", "portal_token")
}

// open runs CreateSession, SelectSources and Start, returning the PipeWire node
func (sc *screenCast) open(ctx context.Context) (uint32, error) {
	log := logger.WithComponent("portal")

	results, err := sc.request(ctx, defaultRequestLimit, "CreateSession", map[string]dbus.Variant{
		"session_handle_token": dbus.MakeVariant(handleToken("session")),
	})
	if err != nil {
		return 0, fmt.Errorf("create session: %w", err)
	}
	handle, err := sessionHandle(results)
	if err != nil {
		return 0, err
	}
	sc.sessionHandle = handle
	log.Debug().Str("session", string(handle)).Msg("Portal session created")

	opts := map[string]dbus.Variant{
		"types":        dbus.MakeVariant(uint32(sourceTypeMonitor)),
		"multiple":     dbus.MakeVariant(false),
		"cursor_mode":  dbus.MakeVariant(uint32(cursorModeEmbedded)),
		"persist_mode": dbus.MakeVariant(uint32(persistModeSession)),
	}
	if sc.restoreToken != "" {
		opts["restore_token"] = dbus.MakeVariant(sc.restoreToken)
	}
	log.Info().Msg("Waiting for screen selection (a portal dialog may appear)")
	if _, err := sc.request(ctx, selectRequestLimit, "SelectSources", opts, handle); err != nil {
		return 0, fmt.Errorf("select sources: %w", err)
	}

	results, err = sc.request(ctx, defaultRequestLimit, "Start", map[string]dbus.Variant{}, handle, "")
	if err != nil {
		return 0, fmt.Errorf("start: %w", err)
	}
	if v, ok := results["restore_token"]; ok {
		if token, ok := v.Value().(string); ok && token != "" {
			sc.restoreToken = token
			saveRestoreToken(sc.tokenPath, token)
		}
	}
	streams, ok := results["streams"]
	if !ok {
		return 0, fmt.Errorf("no streams in start response")
	}
	return firstNodeID(streams.Value())
}

// request calls a ScreenCast method and waits for its Request.Response signal.
// args precede the options map in the call.
func (sc *screenCast) request(ctx context.Context, limit time.Duration, method string, opts map[string]dbus.Variant, args ...interface{}) (map[string]dbus.Variant, error) {
	opts["handle_token"] = dbus.MakeVariant(handleToken(method))

	matchRule := fmt.Sprintf("type='signal',interface='%s',member='Response'", requestIface)
	if err := sc.conn.BusObject().Call("org.freedesktop.DBus.AddMatch", 0, matchRule).Err; err != nil {
		logger.WithComponent("portal").Warn().Err(err).Msg("Failed to add match rule")
	}

	// subscribe before calling so the response cannot be missed
	signals := make(chan *dbus.Signal, 10)
	sc.conn.Signal(signals)
	defer sc.conn.RemoveSignal(signals)

	var requestPath dbus.ObjectPath
	callArgs := append(args, opts)
	obj := sc.conn.Object(portalService, portalPath)
	if err := obj.CallWithContext(ctx, screenCastIface+"."+method, 0, callArgs...).Store(&requestPath); err != nil {
		return nil, fmt.Errorf("%s call failed: %w", method, err)
	}

	timeout := time.NewTimer(limit)
	defer timeout.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timeout.C:
			return nil, fmt.Errorf("timeout waiting for %s response", method)
		case sig := <-signals:
			if sig.Path != requestPath || sig.Name != requestIface+".Response" {
				continue
			}
			return parseResponse(sig.Body)
		}
	}
}

func (sc *screenCast) close() error {
	if sc.sessionHandle != "" {
		sc.conn.Object(portalService, sc.sessionHandle).Call(sessionIface+".Close", 0)
		sc.sessionHandle = ""
	}
	return sc.conn.Close()
}

func handleToken(prefix string) string {
	return fmt.Sprintf("facekeypoints_%s_%d_%d", prefix, os.Getpid(), tokenSeq.Add(1))
}

// parseResponse unpacks the (u response, a{sv} results) signal body
func parseResponse(body []interface{}) (map[string]dbus.Variant, error) {
	if len(body) < 1 {
		return nil, fmt.Errorf("invalid portal response")
	}
	code, ok := body[0].(uint32)
	if !ok {
		return nil, fmt.Errorf("invalid portal response code %T", body[0])
	}
	if code != 0 {
		return nil, fmt.Errorf("portal request denied (code %d)", code)
	}
	results := map[string]dbus.Variant{}
	if len(body) > 1 {
		if r, ok := body[1].(map[string]dbus.Variant); ok {
			results = r
		}
	}
	return results, nil
}

func sessionHandle(results map[string]dbus.Variant) (dbus.ObjectPath, error) {
	v, ok := results["session_handle"]
	if !ok {
		return "", fmt.Errorf("no session handle in response")
	}
	switch h := v.Value().(type) {
	case dbus.ObjectPath:
		return h, nil
	case string:
		return dbus.ObjectPath(h), nil
	default:
		return "", fmt.Errorf("unexpected session_handle type: %T", h)
	}
}

// firstNodeID extracts the node of the first stream from an a(ua{sv}) value
func firstNodeID(streams interface{}) (uint32, error) {
	switch v := streams.(type) {
	case [][]interface{}:
		if len(v) > 0 && len(v[0]) > 0 {
			if id, ok := v[0][0].(uint32); ok {
				return id, nil
			}
		}
	case []interface{}:
		if len(v) > 0 {
			if stream, ok := v[0].([]interface{}); ok && len(stream) > 0 {
				if id, ok := stream[0].(uint32); ok {
					return id, nil
				}
			}
		}
	}
	return 0, fmt.Errorf("unrecognized streams value %T", streams)
}

type storedToken struct {
	Token string `json:"token"`
}

func loadRestoreToken(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	var t storedToken
	if err := json.Unmarshal(data, &t); err != nil {
		return ""
	}
	return t.Token
}

func saveRestoreToken(path, token string) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return
	}
	data, err := json.Marshal(storedToken{Token: token})
	if err != nil {
		return
	}
	os.WriteFile(path, data, 0600)
}
