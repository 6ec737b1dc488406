package serializer

import (
	"bufio"
	"io"
	"net/http"
	"strings"
	"testing"
)

func readTestResponse(t *testing.T) *http.Response {
	response := "HTTP/1.1 200 OK\r\nServer: Test\r\nContent-Type: text/plain\r\n\r\nThis is the body"
	req, _ := http.NewRequest("GET", "https://example.com/page", nil)
	res, err := http.ReadResponse(bufio.NewReader(strings.NewReader(response)), req)
	if err != nil {
		t.Fatal(err)
	}
	return res
}

func TestSnapshotBodyIntact(t *testing.T) {
	res := readTestResponse(t)

	if _, err := Snapshot(res); err != nil {
		t.Fatalf("Error: %v", err)
	}
	body, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("Error: %v", err)
	}
	if string(body) != "This is the body" {
		t.Fatalf("Body: %s", body)
	}
}

func TestRestoreIsIndependent(t *testing.T) {
	bts, err := Snapshot(readTestResponse(t))
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		res, err := Restore(bts)
		if err != nil {
			t.Fatalf("Error restoring: %v", err)
		}
		body, _ := io.ReadAll(res.Body)
		if string(body) != "This is the body" {
			t.Fatalf("Restore %d body: %s", i, body)
		}
		if res.StatusCode != 200 || res.Header.Get("Server") != "Test" {
			t.Fatalf("Restore %d response: %+v", i, res)
		}
		if res.Request == nil || res.Request.URL.Path != "/page" {
			t.Fatalf("Restore %d request: %+v", i, res.Request)
		}
	}
}

func TestSnapshotSyntheticResponse(t *testing.T) {
	res := &http.Response{
		StatusCode: http.StatusServiceUnavailable,
		Header:     http.Header{"Content-Type": []string{"text/plain"}},
		Body:       io.NopCloser(strings.NewReader("offline")),
	}
	bts, err := Snapshot(res)
	if err != nil {
		t.Fatal(err)
	}
	restored, err := Restore(bts)
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(restored.Body)
	if restored.StatusCode != http.StatusServiceUnavailable || string(body) != "offline" {
		t.Fatalf("Restored %d %s", restored.StatusCode, body)
	}
}

func TestRestoreMalformed(t *testing.T) {
	if _, err := Restore([]byte("garbage")); err == nil {
		t.Fatal("Expected error")
	}
}
