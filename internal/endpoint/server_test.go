package endpoint

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"wemoemu/internal/device"
	"wemoemu/pkg/driver"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const setSOAPAction = `"urn:Belkin:service:basicevent:1#SetBinaryState"`
const getSOAPAction = `"urn:Belkin:service:basicevent:1#GetBinaryState"`

type fakeDriver struct {
	state    driver.State
	verdict  bool
	onCalls  atomic.Int32
	offCalls atomic.Int32
	queries  atomic.Int32
}

func (f *fakeDriver) TurnOn(ctx context.Context) bool {
	f.onCalls.Add(1)
	return f.verdict
}

func (f *fakeDriver) TurnOff(ctx context.Context) bool {
	f.offCalls.Add(1)
	return f.verdict
}

func (f *fakeDriver) QueryState(ctx context.Context) driver.State {
	f.queries.Add(1)
	return f.state
}

func newTestServer(t *testing.T, name string, drv driver.Driver) *Server {
	t.Helper()
	dev := device.New(device.Config{Name: name, Port: 12345, CommandTimeout: time.Second}, drv, zap.NewNop())
	t.Cleanup(func() { dev.Close() })
	srv, err := New(dev, zap.NewNop())
	require.NoError(t, err)
	return srv
}

func doRequest(t *testing.T, srv *Server, method, path, soapAction, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if soapAction != "" {
		req.Header.Set("SOAPACTION", soapAction)
	}
	req.Header.Set("Content-Type", contentTypeXML)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestSetupXML(t *testing.T) {
	drv := &fakeDriver{}
	srv := newTestServer(t, "Kitchen & Co", drv)

	rec := doRequest(t, srv, http.MethodGet, "/setup.xml", "", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, contentTypeXML, rec.Header().Get("Content-Type"))
	body := rec.Body.String()
	id := device.NewIdentity("Kitchen & Co")
	assert.Contains(t, body, "<friendlyName>Kitchen &amp; Co</friendlyName>")
	assert.Contains(t, body, "<UDN>"+id.UDN+"</UDN>")
	assert.Contains(t, body, "<serialNumber>"+id.Serial+"</serialNumber>")
	assert.Contains(t, body, "<deviceType>urn:Belkin:device:controllee:1</deviceType>")
	assert.Contains(t, body, "<controlURL>/upnp/control/basicevent1</controlURL>")

	// description never touches the driver
	assert.Zero(t, drv.queries.Load())
	assert.Zero(t, drv.onCalls.Load())
}

func TestSetupXML_Deterministic(t *testing.T) {
	a := doRequest(t, newTestServer(t, "Device-A", &fakeDriver{}), http.MethodGet, "/setup.xml", "", "")
	b := doRequest(t, newTestServer(t, "Device-A", &fakeDriver{}), http.MethodGet, "/setup.xml", "", "")
	assert.Equal(t, a.Body.String(), b.Body.String())
}

func TestServiceDescriptions(t *testing.T) {
	srv := newTestServer(t, "x", &fakeDriver{})

	rec := doRequest(t, srv, http.MethodGet, "/eventservice.xml", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "<name>SetBinaryState</name>")
	assert.Contains(t, rec.Body.String(), "<name>GetBinaryState</name>")

	rec = doRequest(t, srv, http.MethodGet, "/metainfoservice.xml", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "GetMetaInfo")
}

func TestSetBinaryState(t *testing.T) {
	for _, verdict := range []bool{true, false} {
		t.Run(fmt.Sprintf("driver returns %v", verdict), func(t *testing.T) {
			drv := &fakeDriver{verdict: verdict}
			srv := newTestServer(t, "lamp", drv)

			rec := doRequest(t, srv, http.MethodPost, "/upnp/control/basicevent1", setSOAPAction, fmt.Sprintf(setEnvelope, "1"))

			require.Equal(t, http.StatusOK, rec.Code)
			assert.Contains(t, rec.Body.String(), "<u:SetBinaryStateResponse")
			assert.Contains(t, rec.Body.String(), "<BinaryState>1</BinaryState>")
			assert.Equal(t, int32(1), drv.onCalls.Load())
			assert.Zero(t, drv.offCalls.Load())
		})
	}

	t.Run("off", func(t *testing.T) {
		drv := &fakeDriver{verdict: true}
		srv := newTestServer(t, "lamp", drv)

		rec := doRequest(t, srv, http.MethodPost, "/upnp/control/basicevent1", "", "<BinaryState>0</BinaryState>")

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "<BinaryState>0</BinaryState>")
		assert.Equal(t, int32(1), drv.offCalls.Load())
	})
}

func TestGetBinaryState(t *testing.T) {
	tests := []struct {
		state driver.State
		want  string
	}{
		{driver.StateOn, "<BinaryState>1</BinaryState>"},
		{driver.StateOff, "<BinaryState>0</BinaryState>"},
		{driver.StateUnknown, "<BinaryState>Error</BinaryState>"},
	}

	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			srv := newTestServer(t, "lamp", &fakeDriver{state: tt.state})

			rec := doRequest(t, srv, http.MethodPost, "/upnp/control/basicevent1", getSOAPAction, getEnvelope)

			require.Equal(t, http.StatusOK, rec.Code)
			assert.Contains(t, rec.Body.String(), "<u:GetBinaryStateResponse")
			assert.Contains(t, rec.Body.String(), tt.want)
		})
	}
}

func TestMalformedRequest(t *testing.T) {
	drv := &fakeDriver{verdict: true, state: driver.StateOn}
	srv := newTestServer(t, "lamp", drv)

	rec := doRequest(t, srv, http.MethodPost, "/upnp/control/basicevent1", setSOAPAction, "<BinaryState>maybe</BinaryState>")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "<errorCode>402</errorCode>")
	assert.Zero(t, drv.onCalls.Load())
	assert.Zero(t, drv.offCalls.Load())

	// the next valid request is unaffected
	rec = doRequest(t, srv, http.MethodPost, "/upnp/control/basicevent1", setSOAPAction, "<BinaryState>1</BinaryState>")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int32(1), drv.onCalls.Load())
}

func TestUnsupportedAction(t *testing.T) {
	srv := newTestServer(t, "lamp", &fakeDriver{})

	rec := doRequest(t, srv, http.MethodPost, "/upnp/control/basicevent1", `"urn:Belkin:service:basicevent:1#GetSignalStrength"`, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "<errorCode>401</errorCode>")
}

func TestNotFound(t *testing.T) {
	srv := newTestServer(t, "lamp", &fakeDriver{})

	assert.Equal(t, http.StatusNotFound, doRequest(t, srv, http.MethodGet, "/nope", "", "").Code)
	assert.Equal(t, http.StatusNotFound, doRequest(t, srv, http.MethodPost, "/upnp/control/other", "", "").Code)
}

func TestBodyLimit(t *testing.T) {
	drv := &fakeDriver{}
	srv := newTestServer(t, "lamp", drv)

	huge := "<BinaryState>1</BinaryState>" + strings.Repeat(" ", 70*1024)
	rec := doRequest(t, srv, http.MethodPost, "/upnp/control/basicevent1", setSOAPAction, huge)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Zero(t, drv.onCalls.Load())
}

func TestServeAndShutdown(t *testing.T) {
	drv := &fakeDriver{state: driver.StateOn}
	srv := newTestServer(t, "lamp", drv)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	served := make(chan error, 1)
	go func() { served <- srv.Serve(ln) }()

	url := fmt.Sprintf("http://%s/upnp/control/basicevent1", ln.Addr())
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(getEnvelope))
	require.NoError(t, err)
	req.Header.Set("SOAPACTION", getSOAPAction)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "<BinaryState>1</BinaryState>")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))

	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Serve did not return after Shutdown")
	}
}
