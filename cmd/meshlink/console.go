package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pterm/pterm"

	"github.com/1ureka/meshlink/internal/mesh"
	"github.com/1ureka/meshlink/internal/protocol"
	"github.com/1ureka/meshlink/internal/util"
)

// sender is the part of the registry the console drives.
type sender interface {
	Broadcast(rel protocol.Reliability, msg protocol.Message) error
	SendTo(id int, rel protocol.Reliability, msg protocol.Message) error
	SendFile(target int, name string, content []byte, id uint32) error
	Roster() []int
}

var _ sender = (*mesh.Registry)(nil)

var errUsage = errors.New("usage")

const helpText = `commands:
  <text>            send a chat message to everyone
  /to <id> <text>   send a chat message to one peer
  /file <path>      send a file to everyone
  /name <name>      set the name other peers see
  /peers            list connected peers
  /help             show this help`

// console turns stdin lines into mesh sends and prints what peers send back.
type console struct {
	mesh        sender
	out         io.Writer
	downloadDir string

	mu      sync.Mutex
	name    string
	names   map[int]string
	nextMsg int
}

func newConsole(m sender, out io.Writer, name, downloadDir string) *console {
	return &console{
		mesh:        m,
		out:         out,
		downloadDir: downloadDir,
		name:        name,
		names:       make(map[int]string),
	}
}

// handle runs one input line.
func (c *console) handle(line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	if !strings.HasPrefix(line, "/") {
		return c.mesh.Broadcast(protocol.Reliable, c.chat(line))
	}

	cmd, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)

	switch cmd {
	case "/to":
		target, text, _ := strings.Cut(rest, " ")
		id, err := strconv.Atoi(target)
		if err != nil || strings.TrimSpace(text) == "" {
			return fmt.Errorf("%w: /to <id> <text>", errUsage)
		}
		if !c.isOpen(id) {
			return fmt.Errorf("peer %d is not connected", id)
		}
		return c.mesh.SendTo(id, protocol.Reliable, c.chat(strings.TrimSpace(text)))

	case "/file":
		if rest == "" {
			return fmt.Errorf("%w: /file <path>", errUsage)
		}
		return c.sendFile(rest)

	case "/name":
		if rest == "" {
			return fmt.Errorf("%w: /name <name>", errUsage)
		}
		c.mu.Lock()
		c.name = rest
		c.mu.Unlock()
		msg, err := c.peerInfo()
		if err != nil {
			return err
		}
		return c.mesh.Broadcast(protocol.Reliable, msg)

	case "/peers":
		c.printRoster()
		return nil

	case "/help":
		pterm.Fprintln(c.out, helpText)
		return nil

	default:
		return fmt.Errorf("unknown command %s (try /help)", cmd)
	}
}

func (c *console) isOpen(id int) bool {
	for _, open := range c.mesh.Roster() {
		if open == id {
			return true
		}
	}
	return false
}

func (c *console) chat(text string) protocol.Message {
	c.mu.Lock()
	c.nextMsg++
	id := c.nextMsg
	c.mu.Unlock()

	// A struct of a string and an int always marshals to an object.
	msg, _ := protocol.NewMessage(protocol.TypeChatMessage, protocol.ChatMessage{Text: text, ID: id})
	return msg
}

func (c *console) peerInfo() (protocol.Message, error) {
	var info protocol.PeerInfo
	c.mu.Lock()
	info.Info.Name = c.name
	c.mu.Unlock()
	return protocol.NewMessage(protocol.TypePeerInfo, info)
}

func (c *console) sendFile(path string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	name := filepath.Base(path)
	if err := c.mesh.SendFile(mesh.Everyone, name, content, uuid.New().ID()); err != nil {
		return fmt.Errorf("send %s: %w", name, err)
	}
	pterm.Fprintln(c.out, pterm.Gray(fmt.Sprintf("sent %s (%d bytes)", name, len(content))))
	return nil
}

func (c *console) printRoster() {
	ids := c.mesh.Roster()
	if len(ids) == 0 {
		pterm.Fprintln(c.out, pterm.Gray("no peers connected"))
		return
	}
	for _, id := range ids {
		pterm.Fprintln(c.out, c.label(id))
	}
}

func (c *console) label(id int) string {
	c.mu.Lock()
	name := c.names[id]
	c.mu.Unlock()
	if name == "" {
		return fmt.Sprintf("peer %d", id)
	}
	return fmt.Sprintf("%s (peer %d)", name, id)
}

// onEvent is subscribed to the registry.
func (c *console) onEvent(ev mesh.Event) {
	switch ev.Kind {
	case mesh.Connected:
		pterm.Fprintln(c.out, pterm.Green(fmt.Sprintf("+ %s connected", c.label(ev.Peer))))
		c.mu.Lock()
		named := c.name != ""
		c.mu.Unlock()
		if named {
			if msg, err := c.peerInfo(); err == nil {
				if err := c.mesh.SendTo(ev.Peer, protocol.Reliable, msg); err != nil {
					util.LogWarning("failed to introduce ourselves to peer %d: %v", ev.Peer, err)
				}
			}
		}

	case mesh.Disconnected:
		pterm.Fprintln(c.out, pterm.Yellow(fmt.Sprintf("- %s disconnected", c.label(ev.Peer))))
		c.mu.Lock()
		delete(c.names, ev.Peer)
		c.mu.Unlock()

	case mesh.MessageReceived:
		switch {
		case ev.Message != nil:
			c.onMessage(ev.Peer, *ev.Message)
		case ev.File != nil:
			path, err := c.saveFile(ev.File)
			if err != nil {
				util.LogError("failed to save file from peer %d: %v", ev.Peer, err)
				return
			}
			pterm.Fprintln(c.out, pterm.Cyan(fmt.Sprintf("%s sent %s (%d bytes) -> %s",
				c.label(ev.Peer), ev.File.Name, len(ev.File.Content), path)))
		}
	}
}

func (c *console) onMessage(from int, msg protocol.Message) {
	switch msg.Type {
	case protocol.TypePing:
		util.LogDebug("ping from peer %d", from)

	case protocol.TypeChatMessage:
		var body protocol.ChatMessage
		if err := msg.Decode(&body); err != nil {
			util.LogWarning("bad chat message from peer %d: %v", from, err)
			return
		}
		pterm.Fprintln(c.out, pterm.Bold.Sprint(c.label(from)+":"), body.Text)

	case protocol.TypePeerInfo:
		var body protocol.PeerInfo
		if err := msg.Decode(&body); err != nil {
			util.LogWarning("bad peer info from peer %d: %v", from, err)
			return
		}
		if body.Info.Name == "" {
			return
		}
		old := c.label(from)
		c.mu.Lock()
		c.names[from] = body.Info.Name
		c.mu.Unlock()
		pterm.Fprintln(c.out, pterm.Gray(fmt.Sprintf("%s is now %s", old, body.Info.Name)))

	default:
		util.LogDebug("ignoring %s message from peer %d", msg.Type, from)
	}
}

// saveFile writes a received file into the download directory under a name
// prefixed with the file id, so repeated names do not collide.
func (c *console) saveFile(f *protocol.FileFrame) (string, error) {
	if err := os.MkdirAll(c.downloadDir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(c.downloadDir, fmt.Sprintf("%08x-%s", f.ID, safeName(f.Name)))
	if err := os.WriteFile(path, f.Content, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// safeName reduces a remote file name to a single path element.
func safeName(name string) string {
	base := filepath.Base(filepath.Clean("/" + strings.ReplaceAll(name, "\\", "/")))
	if base == "/" || base == "." || base == ".." || base == "" {
		return "file"
	}
	return base
}
