package server

import (
	"bufio"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/betbot/botfleet/internal/domain"
)

const (
	defaultTail = 200
	maxTail     = 5000
	// tailWindow bounds how much of the file end is scanned for lines.
	tailWindow = 256 * 1024
)

func tailParam(c *gin.Context, def int) int {
	if n, err := strconv.Atoi(strings.TrimSpace(c.Query("tail"))); err == nil && n >= 0 && n <= maxTail {
		return n
	}
	return def
}

func (s *Server) logPath(c *gin.Context) (string, bool) {
	id := c.Param("botID")
	path, err := s.logs.LogFile(id)
	if err != nil {
		code := http.StatusInternalServerError
		if domain.IsKind(err, domain.KindNotFound) {
			code = http.StatusNotFound
		}
		c.JSON(code, response{Message: err.Error(), Kind: domain.KindOf(err), BotID: id})
		return "", false
	}
	return path, true
}

func (s *Server) handleBotLogsTail(c *gin.Context) {
	path, ok := s.logPath(c)
	if !ok {
		return
	}
	lines, _, err := tailLines(path, tailParam(c, defaultTail), tailWindow)
	if err != nil && !os.IsNotExist(err) {
		c.JSON(http.StatusInternalServerError, response{Message: "read log: " + err.Error()})
		return
	}
	if lines == nil {
		lines = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "bot_id": c.Param("botID"), "lines": lines})
}

// handleBotLogsStream sends the last lines, then follows the file, one
// websocket text message per line.
func (s *Server) handleBotLogsStream(c *gin.Context) {
	path, ok := s.logPath(c)
	if !ok {
		return
	}
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already replied
		return
	}
	defer conn.Close()

	// reader goroutine: notices the client going away
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	send := func(line string) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		return conn.WriteMessage(websocket.TextMessage, []byte(line)) == nil
	}

	// follow from where the tail stopped so nothing written in between is lost
	lines, end, _ := tailLines(path, tailParam(c, 50), tailWindow)
	for _, l := range lines {
		if !send(l) {
			return
		}
	}

	f := &follower{path: path}
	defer f.close()
	f.seek(end)

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	keepAlive := time.NewTicker(15 * time.Second)
	defer keepAlive.Stop()

	for {
		select {
		case <-gone:
			return
		case <-keepAlive.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		case <-ticker.C:
			for _, l := range f.poll() {
				if !send(l) {
					return
				}
			}
		}
	}
}

// follower reads lines appended to a file, reopening it when it appears or
// shrinks.
type follower struct {
	path    string
	f       *os.File
	pos     int64
	partial strings.Builder
}

func (fl *follower) open() bool {
	if fl.f != nil {
		return true
	}
	f, err := os.Open(fl.path)
	if err != nil {
		return false
	}
	fl.f, fl.pos = f, 0
	return true
}

func (fl *follower) seek(off int64) {
	if off <= 0 || !fl.open() {
		return
	}
	if n, err := fl.f.Seek(off, io.SeekStart); err == nil {
		fl.pos = n
	}
}

func (fl *follower) poll() []string {
	if !fl.open() {
		return nil
	}
	if st, err := os.Stat(fl.path); err == nil && st.Size() < fl.pos {
		// truncated or replaced
		fl.close()
		if !fl.open() {
			return nil
		}
	}
	buf := make([]byte, 32*1024)
	var out []string
	for {
		n, err := fl.f.Read(buf)
		if n > 0 {
			fl.pos += int64(n)
			fl.partial.Write(buf[:n])
		}
		if n == 0 || err != nil {
			break
		}
	}
	s := fl.partial.String()
	for {
		idx := strings.IndexByte(s, '\n')
		if idx < 0 {
			break
		}
		out = append(out, strings.TrimRight(s[:idx], "\r"))
		s = s[idx+1:]
	}
	fl.partial.Reset()
	fl.partial.WriteString(s)
	return out
}

func (fl *follower) close() {
	if fl.f != nil {
		_ = fl.f.Close()
		fl.f = nil
	}
	fl.partial.Reset()
}

// tailLines reads at most maxBytes from the end of path and returns the last n
// lines and the offset just past the last byte read.
func tailLines(path string, n int, maxBytes int64) ([]string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, 0, err
	}
	size := st.Size()
	if size <= 0 {
		return []string{}, 0, nil
	}

	start := int64(0)
	if size > maxBytes {
		start = size - maxBytes
	}
	if _, err := f.Seek(start, io.SeekStart); err != nil {
		return nil, 0, err
	}

	pos := start
	r := bufio.NewReader(f)
	if start > 0 {
		// drop the partial first line
		skipped, err := r.ReadString('\n')
		if err != nil {
			return []string{}, start, nil
		}
		pos += int64(len(skipped))
	}
	lines := []string{}
	for {
		line, err := r.ReadString('\n')
		pos += int64(len(line))
		if len(line) > 0 && n > 0 {
			lines = append(lines, strings.TrimRight(line, "\r\n"))
			if len(lines) > n {
				lines = lines[len(lines)-n:]
			}
		}
		if err != nil {
			if err == io.EOF {
				break
			}
			return nil, 0, err
		}
	}
	return lines, pos, nil
}
