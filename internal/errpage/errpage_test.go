package errpage

import (
	"strings"
	"syscall"
	"testing"

	"github.com/krillcache/krill/internal/request"
	"github.com/krillcache/krill/internal/store"
)

func testRequest() *request.Request {
	r := request.New("GET", "/file")
	r.Protocol = request.ProtoHTTP
	r.Host = "origin.example"
	r.Port = 80
	return r
}

func TestRenderNamesErrorAndURL(t *testing.T) {
	e := New(ErrConnectFail, 503, testRequest())
	e.Errno = syscall.ECONNREFUSED

	page := string(e.Render())
	if !strings.Contains(page, "ERR_CONNECT_FAIL") {
		t.Error("page does not name the error")
	}
	if !strings.Contains(page, "http://origin.example/file") {
		t.Error("page does not name the URL")
	}
	if !strings.Contains(page, syscall.ECONNREFUSED.Error()) {
		t.Error("page does not carry the errno detail")
	}
}

func TestRenderPrefersDNSMessage(t *testing.T) {
	e := New(ErrDNSFail, 503, testRequest())
	e.DNSMessage = "NXDOMAIN"
	e.Errno = syscall.EIO

	page := string(e.Render())
	if !strings.Contains(page, "NXDOMAIN") {
		t.Error("page dropped the resolver message")
	}
}

func TestAppendToEntryCompletes(t *testing.T) {
	entry := store.NewEntry("http://origin.example/file")
	AppendToEntry(entry, New(ErrCannotForward, 503, testRequest()))

	if entry.TestFlag(store.FwdHdrWait) {
		t.Error("header-wait flag still set after error append")
	}
	rep := entry.Reply()
	if rep == nil || rep.StatusCode != 503 {
		t.Fatalf("reply = %+v, want 503", rep)
	}
	if entry.IsEmpty() {
		t.Error("error page body missing")
	}
	select {
	case <-entry.Done():
	default:
		t.Error("entry not completed")
	}
}

func TestParseTypeRoundTrip(t *testing.T) {
	if got := ParseType("ERR_DNS_FAIL"); got != ErrDNSFail {
		t.Errorf("ParseType = %v, want ErrDNSFail", got)
	}
	if got := ParseType("ERR_NOPE"); got != ErrNone {
		t.Errorf("unknown name = %v, want ErrNone", got)
	}
}
