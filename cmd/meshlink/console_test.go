package main

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/1ureka/meshlink/internal/mesh"
	"github.com/1ureka/meshlink/internal/protocol"
)

var _ sender = (*fakeSender)(nil)

type sent struct {
	target int
	rel    protocol.Reliability
	msg    protocol.Message
}

type sentFile struct {
	target  int
	name    string
	content []byte
}

// fakeSender records what the console asks the mesh to send.
type fakeSender struct {
	mu     sync.Mutex
	roster []int
	msgs   []sent
	files  []sentFile
	err    error
}

func (f *fakeSender) Broadcast(rel protocol.Reliability, msg protocol.Message) error {
	return f.SendTo(mesh.Everyone, rel, msg)
}

func (f *fakeSender) SendTo(id int, rel protocol.Reliability, msg protocol.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, sent{target: id, rel: rel, msg: msg})
	return f.err
}

func (f *fakeSender) SendFile(target int, name string, content []byte, id uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files = append(f.files, sentFile{target: target, name: name, content: content})
	return f.err
}

func (f *fakeSender) Roster() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.roster...)
}

func decodeChat(t *testing.T, msg protocol.Message) protocol.ChatMessage {
	t.Helper()
	if msg.Type != protocol.TypeChatMessage {
		t.Fatalf("message type %q, want %q", msg.Type, protocol.TypeChatMessage)
	}
	var body protocol.ChatMessage
	if err := msg.Decode(&body); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	return body
}

func TestConsoleChat(t *testing.T) {
	fake := &fakeSender{roster: []int{2, 5}}
	con := newConsole(fake, &bytes.Buffer{}, "", t.TempDir())

	for _, line := range []string{"hello there", "   ", "/to 5 just you"} {
		if err := con.handle(line); err != nil {
			t.Fatalf("handle(%q): %v", line, err)
		}
	}

	if len(fake.msgs) != 2 {
		t.Fatalf("sent %d messages, want 2", len(fake.msgs))
	}
	first, second := fake.msgs[0], fake.msgs[1]
	if first.target != mesh.Everyone || first.rel != protocol.Reliable || decodeChat(t, first.msg).Text != "hello there" {
		t.Errorf("broadcast: %+v", first)
	}
	body := decodeChat(t, second.msg)
	if second.target != 5 || body.Text != "just you" {
		t.Errorf("direct: %+v", second)
	}
	if body.ID <= decodeChat(t, first.msg).ID {
		t.Error("chat ids do not increase")
	}
}

func TestConsoleErrors(t *testing.T) {
	testCases := []struct {
		line  string
		usage bool
	}{
		{"/to", true},
		{"/to x hello", true},
		{"/to 5", true},
		{"/to 9 nobody home", false},
		{"/file", true},
		{"/file /definitely/not/here", false},
		{"/name", true},
		{"/bogus", false},
	}

	for _, tc := range testCases {
		t.Run(tc.line, func(t *testing.T) {
			fake := &fakeSender{roster: []int{5}}
			con := newConsole(fake, &bytes.Buffer{}, "", t.TempDir())

			err := con.handle(tc.line)
			if err == nil {
				t.Fatal("expected an error")
			}
			if got := errors.Is(err, errUsage); got != tc.usage {
				t.Errorf("usage error: got %v, want %v (%v)", got, tc.usage, err)
			}
			if len(fake.msgs) != 0 || len(fake.files) != 0 {
				t.Error("something was sent")
			}
		})
	}
}

func TestConsoleSendFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes.txt")
	if err := os.WriteFile(path, []byte("remember"), 0o600); err != nil {
		t.Fatal(err)
	}

	fake := &fakeSender{}
	out := &bytes.Buffer{}
	con := newConsole(fake, out, "", t.TempDir())
	if err := con.handle("/file " + path); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if len(fake.files) != 1 {
		t.Fatalf("sent %d files, want 1", len(fake.files))
	}
	f := fake.files[0]
	if f.target != mesh.Everyone || f.name != "notes.txt" || string(f.content) != "remember" {
		t.Errorf("sent %+v", f)
	}
	if !strings.Contains(out.String(), "notes.txt") {
		t.Errorf("output: %q", out.String())
	}

	fake.err = errors.New("too big")
	if err := con.handle("/file " + path); err == nil {
		t.Error("expected send error to surface")
	}
}

func TestConsoleNameIntroducesToNewPeers(t *testing.T) {
	fake := &fakeSender{}
	con := newConsole(fake, &bytes.Buffer{}, "", t.TempDir())

	con.onEvent(mesh.Event{Kind: mesh.Connected, Peer: 1})
	if len(fake.msgs) != 0 {
		t.Fatal("anonymous console introduced itself")
	}

	if err := con.handle("/name alice"); err != nil {
		t.Fatalf("handle: %v", err)
	}
	con.onEvent(mesh.Event{Kind: mesh.Connected, Peer: 2})

	if len(fake.msgs) != 2 {
		t.Fatalf("sent %d messages, want 2", len(fake.msgs))
	}
	for i, want := range []int{mesh.Everyone, 2} {
		m := fake.msgs[i]
		var info protocol.PeerInfo
		if err := m.msg.Decode(&info); err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if m.target != want || m.msg.Type != protocol.TypePeerInfo || info.Info.Name != "alice" {
			t.Errorf("message %d: target %d type %q name %q", i, m.target, m.msg.Type, info.Info.Name)
		}
	}
}

func TestConsoleReceives(t *testing.T) {
	out := &bytes.Buffer{}
	dir := filepath.Join(t.TempDir(), "downloads")
	con := newConsole(&fakeSender{roster: []int{3}}, out, "", dir)

	info, err := protocol.NewMessage(protocol.TypePeerInfo, map[string]any{"info": map[string]string{"name": "bob"}})
	if err != nil {
		t.Fatal(err)
	}
	chat, err := protocol.NewMessage(protocol.TypeChatMessage, protocol.ChatMessage{Text: "hi all", ID: 1})
	if err != nil {
		t.Fatal(err)
	}

	con.onEvent(mesh.Event{Kind: mesh.MessageReceived, Peer: 3, Message: &info})
	con.onEvent(mesh.Event{Kind: mesh.MessageReceived, Peer: 3, Message: &chat})
	con.onEvent(mesh.Event{Kind: mesh.MessageReceived, Peer: 3, File: &protocol.FileFrame{
		ID: 0xbeef, Name: "../../etc/passwd", Content: []byte("data"),
	}})

	printed := out.String()
	if !strings.Contains(printed, "hi all") || !strings.Contains(printed, "bob") {
		t.Errorf("output: %q", printed)
	}

	saved, err := os.ReadFile(filepath.Join(dir, "0000beef-passwd"))
	if err != nil {
		t.Fatalf("received file not saved: %v", err)
	}
	if string(saved) != "data" {
		t.Errorf("saved %q", saved)
	}

	con.onEvent(mesh.Event{Kind: mesh.Disconnected, Peer: 3})
	if got := con.label(3); got != "peer 3" {
		t.Errorf("name kept after disconnect: %q", got)
	}
}

func TestSafeName(t *testing.T) {
	testCases := []struct {
		in, want string
	}{
		{"report.pdf", "report.pdf"},
		{"../../etc/passwd", "passwd"},
		{`..\..\boot.ini`, "boot.ini"},
		{"dir/", "dir"},
		{"", "file"},
		{"..", "file"},
		{"/", "file"},
		{"報告.txt", "報告.txt"},
	}
	for _, tc := range testCases {
		if got := safeName(tc.in); got != tc.want {
			t.Errorf("safeName(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
