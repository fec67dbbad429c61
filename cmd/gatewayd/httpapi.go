// HTTP wiring for the polling registry's external surface (spec §6). This
// is reference plumbing for cmd/gatewayd, not a core package: the core
// (registry/poller/session/transport/decode) has no knowledge of HTTP.
package main

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/fieldpulse/devicegw/common"
	"github.com/fieldpulse/devicegw/device"
	"github.com/fieldpulse/devicegw/poller"
	"github.com/fieldpulse/devicegw/registry"
	"go.uber.org/zap"
)

type api struct {
	reg    *registry.Registry
	repo   device.Repository
	logger *zap.Logger
}

func newMux(reg *registry.Registry, repo device.Repository, logger *zap.Logger) http.Handler {
	a := &api{reg: reg, repo: repo, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /devices/{id}/test", a.handleTest)
	mux.HandleFunc("GET /devices/{id}/read", a.handleRead)
	mux.HandleFunc("POST /devices/{id}/polling/start", a.handlePollingStart)
	mux.HandleFunc("POST /devices/{id}/polling/stop", a.handlePollingStop)
	mux.HandleFunc("GET /devices/{id}/data", a.handleData)
	mux.HandleFunc("POST /devices/{id}/control", a.handleControl)
	return mux
}

// deviceInfo is the {id,name?,connectionType?,address?} block embedded in
// every response (§6 error payload shape, reused on success paths too).
type deviceInfo struct {
	ID             string `json:"id"`
	Name           string `json:"name,omitempty"`
	ConnectionType string `json:"connectionType,omitempty"`
	Address        string `json:"address,omitempty"`
}

func describeDevice(def device.Definition) deviceInfo {
	info := deviceInfo{ID: def.ID, Name: def.Name}
	switch def.Connection.Kind {
	case device.ConnectionTCP:
		info.ConnectionType = "TCP"
		info.Address = def.Connection.IP
	case device.ConnectionRTU:
		info.ConnectionType = "RTU"
		info.Address = def.Connection.SerialPort
	}
	return info
}

// errorType maps a common.Kind onto spec §6's closed errorType enum.
func errorType(kind common.Kind) string {
	switch kind {
	case common.KindConnRefused:
		return "CONNECTION_REFUSED"
	case common.KindTimeout:
		return "CONNECTION_TIMEOUT"
	case common.KindPortMissing:
		return "PORT_NOT_FOUND"
	case common.KindPortBusy:
		return "PORT_BUSY"
	case common.KindClosedByPeer, common.KindIOError:
		return "DEVICE_NO_RESPONSE"
	case common.KindModbusException:
		return "ILLEGAL_FUNCTION"
	case common.KindInvalidParameter, common.KindInvalidDefinition:
		return "CONTROL_ERROR"
	case common.KindServerError:
		return "SERVER_ERROR"
	default:
		return "UNKNOWN_ERROR"
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (a *api) loadDevice(r *http.Request) (device.Definition, bool) {
	id := r.PathValue("id")
	def, err := a.repo.LoadDevice(r.Context(), id)
	return def, err == nil
}

// handleTest implements POST /devices/{id}/test: always 200, reporting
// reachability in the body (§6).
func (a *api) handleTest(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	def, ok := a.loadDevice(r)
	info := deviceInfo{ID: id}
	if ok {
		info = describeDevice(def)
	}

	err := a.reg.TestConnection(r.Context(), id)
	if err != nil {
		kind, _ := common.KindOf(err)
		writeJSON(w, http.StatusOK, map[string]any{
			"success":    false,
			"message":    err.Error(),
			"errorType":  errorType(kind),
			"deviceInfo": info,
			"timestamp":  time.Now(),
			"status":     "ERROR",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"message":    "connection ok",
		"deviceInfo": info,
		"timestamp":  time.Now(),
		"status":     "CONNECTED",
	})
}

// handleRead implements GET /devices/{id}/read: a synchronous one-shot read.
func (a *api) handleRead(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	def, ok := a.loadDevice(r)
	if !ok {
		writeJSON(w, http.StatusNotFound, errorBody(id, def, common.ErrNotFound))
		return
	}
	if !def.Enabled {
		writeJSON(w, http.StatusBadRequest, errorBody(id, def, common.New(common.KindDeviceDisabled, nil)))
		return
	}

	snap, err := a.reg.Read(r.Context(), id)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(id, def, err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"deviceId":   snap.DeviceID,
		"deviceName": snap.DeviceName,
		"timestamp":  snap.Timestamp,
		"readings":   snap.Values,
	})
}

// handlePollingStart implements POST /devices/{id}/polling/start.
func (a *api) handlePollingStart(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var body struct {
		IntervalMs int `json:"intervalMs"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	if err := a.reg.Start(r.Context(), id); err != nil {
		def, _ := a.loadDevice(r)
		status := statusForError(err)
		writeJSON(w, status, errorBody(id, def, err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"message":    "polling started",
		"deviceId":   id,
		"intervalMs": body.IntervalMs,
	})
}

// handlePollingStop implements POST /devices/{id}/polling/stop.
func (a *api) handlePollingStop(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := a.reg.Stop(id); err != nil {
		def, _ := a.loadDevice(r)
		writeJSON(w, statusForError(err), errorBody(id, def, err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"message":  "polling stopped",
		"deviceId": id,
	})
}

// handleData implements GET /devices/{id}/data?forceRefresh=bool.
func (a *api) handleData(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	forceRefresh, _ := strconv.ParseBool(r.URL.Query().Get("forceRefresh"))

	snap, err := a.reg.Snapshot(r.Context(), id, forceRefresh)
	if err != nil {
		def, _ := a.loadDevice(r)
		writeJSON(w, statusForError(err), errorBody(id, def, err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"deviceId":   id,
		"deviceName": snap.DeviceName,
		"timestamp":  snap.Timestamp,
		"readings":   snap.Values,
		"hasData":    snap.HasData,
		"stale":      snap.Stale,
	})
}

// controlParameter is one entry of the control request's parameters array.
type controlParameter struct {
	Name          string `json:"name"`
	RegisterIndex uint16 `json:"registerIndex"`
	Value         any    `json:"value"`
	DataType      string `json:"dataType"`
}

// handleControl implements POST /devices/{id}/control.
func (a *api) handleControl(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	def, ok := a.loadDevice(r)

	var body struct {
		Parameters []controlParameter `json:"parameters"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(id, def, common.New(common.KindInvalidParameter, err)))
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, errorBody(id, def, common.ErrNotFound))
		return
	}

	writes := make([]poller.WriteRequest, len(body.Parameters))
	for i, p := range body.Parameters {
		writes[i] = poller.WriteRequest{
			RegisterIndex: p.RegisterIndex,
			DataType:      device.DataType(p.DataType),
			Value:         p.Value,
		}
	}

	results, err := a.reg.Write(r.Context(), id, writes)
	if err != nil {
		writeJSON(w, statusForError(err), errorBody(id, def, err))
		return
	}

	out := make([]map[string]any, len(results))
	okCount := 0
	for i, res := range results {
		entry := map[string]any{"success": res.Error == "", "name": body.Parameters[i].Name}
		if res.Error != "" {
			entry["error"] = res.Error
		} else {
			okCount++
		}
		out[i] = entry
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":    okCount == len(results),
		"deviceId":   id,
		"deviceName": def.Name,
		"timestamp":  time.Now(),
		"summary":    map[string]any{"total": len(results), "succeeded": okCount, "failed": len(results) - okCount},
		"results":    out,
	})
}

func errorBody(id string, def device.Definition, err error) map[string]any {
	kind, _ := common.KindOf(err)
	info := deviceInfo{ID: id}
	if def.ID != "" {
		info = describeDevice(def)
	}
	return map[string]any{
		"success":    false,
		"message":    errMessage(err),
		"error":      errMessage(err),
		"errorType":  errorType(kind),
		"deviceInfo": info,
		"timestamp":  time.Now(),
		"status":     "ERROR",
	}
}

func errMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// statusForError maps a propagated error onto the HTTP status convention of
// §6: device-not-found -> 404, disabled/invalid -> 400, everything else
// attributable to the gateway itself -> 500.
func statusForError(err error) int {
	kind, ok := common.KindOf(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch kind {
	case common.KindDeviceNotFound:
		return http.StatusNotFound
	case common.KindDeviceDisabled, common.KindInvalidDefinition, common.KindInvalidParameter:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
