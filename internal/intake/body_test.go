package intake

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func crlf(s string) []byte {
	return []byte(strings.ReplaceAll(s, "\n", "\r\n"))
}

func TestParseBodySinglePart(t *testing.T) {
	raw := crlf(`From: alerts@example.com
To: ops@example.com
Subject: disk full
Content-Type: text/plain; charset=utf-8

/var is at 99%
`)
	body, err := ParseBody(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if strings.TrimSpace(body) != "/var is at 99%" {
		t.Fatalf("unexpected body %q", body)
	}
}

func TestParseBodyPrefersPlainAlternative(t *testing.T) {
	raw := crlf(`From: alerts@example.com
Subject: cpu
MIME-Version: 1.0
Content-Type: multipart/mixed; boundary="outer"

--outer
Content-Type: multipart/alternative; boundary="inner"

--inner
Content-Type: text/html; charset=utf-8

<p>html version</p>
--inner
Content-Type: text/plain; charset=utf-8
Content-Transfer-Encoding: quoted-printable

load is high =3D 42
--inner--
--outer
Content-Type: text/plain
Content-Disposition: attachment; filename="dump.txt"

attachment text
--outer--
`)
	body, err := ParseBody(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if strings.TrimSpace(body) != "load is high = 42" {
		t.Fatalf("unexpected body %q", body)
	}
}

func TestParseBodyBase64(t *testing.T) {
	raw := crlf(`Subject: b64
Content-Type: multipart/alternative; boundary=b

--b
Content-Type: text/plain
Content-Transfer-Encoding: base64

aGVsbG8g
d29ybGQ=
--b--
`)
	body, err := ParseBody(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if body != "hello world" {
		t.Fatalf("unexpected body %q", body)
	}
}

func TestParseBodyHTMLOnlyMultipart(t *testing.T) {
	raw := crlf(`Subject: html
Content-Type: multipart/alternative; boundary=b

--b
Content-Type: text/html

<b>only html</b>
--b--
`)
	body, err := ParseBody(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if body != "" {
		t.Fatalf("expected empty body, got %q", body)
	}
}

func TestDirSource(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "m-1"), []byte("raw"), 0o600); err != nil {
		t.Fatal(err)
	}
	src := DirSource{Dir: dir}
	data, err := src.Fetch(context.Background(), "m-1")
	if err != nil || string(data) != "raw" {
		t.Fatalf("fetch: %q %v", data, err)
	}
	if _, err := src.Fetch(context.Background(), "../m-1"); err == nil {
		t.Fatal("expected path traversal to be rejected")
	}
	if _, err := src.Fetch(context.Background(), "missing"); err == nil {
		t.Fatal("expected missing file error")
	}
}

func TestObjectSourceKey(t *testing.T) {
	src := &ObjectSource{bucket: "mail", prefix: "inbound/"}
	if got := src.Key("m-1"); got != "inbound/m-1" {
		t.Fatalf("key = %q", got)
	}
	src.prefix = ""
	if got := src.Key("m-1"); got != "m-1" {
		t.Fatalf("key = %q", got)
	}
}
