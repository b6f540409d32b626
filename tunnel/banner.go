package tunnel

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
)

var spinnerFrames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

const bannerWidth = 58

var (
	bannerBoxStyle = lipgloss.NewStyle().
			Border(lipgloss.DoubleBorder()).
			Padding(0, 1).
			Width(bannerWidth)

	bannerTitleStyle = lipgloss.NewStyle().Bold(true)
	bannerCodeStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("11"))
	bannerURLStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("14")).Underline(true)
	bannerDimStyle   = lipgloss.NewStyle().Faint(true)
	bannerOKStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("10"))
	bannerErrStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9"))
)

// Renderer draws the device-flow UI over an interactive SSH channel. When
// the session has no PTY it degrades to plain lines with no styling or
// cursor movement.
type Renderer struct {
	mu        sync.Mutex
	out       io.Writer
	ansi      bool
	spinnerOn bool
}

func newRenderer(out io.Writer, ansi bool) *Renderer {
	return &Renderer{out: out, ansi: ansi}
}

// SpinnerFrame returns the spinner glyph for a frame index, wrapping.
func SpinnerFrame(index int) string {
	return spinnerFrames[index%len(spinnerFrames)]
}

// Activation draws the framed activation banner: the code, the browser
// URL, and the initial spinner line.
func (r *Renderer) Activation(code, url string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.ansi {
		r.write("Device activation required.\n")
		r.write(fmt.Sprintf("Your code: %s\n", code))
		r.write(fmt.Sprintf("Open this URL in your browser: %s\n", url))
		r.write("Waiting for authorization...\n")
		return
	}

	content := strings.Join([]string{
		bannerTitleStyle.Render("DEVICE ACTIVATION"),
		"",
		"Your code: " + bannerCodeStyle.Render(code),
		"",
		"Open this URL in your browser:",
		bannerURLStyle.Render(truncate(url, bannerWidth-4)),
	}, "\n")

	r.write("\n" + bannerBoxStyle.Render(content) + "\n")
	r.write(SpinnerFrame(0) + " Waiting for authorization...")
	r.spinnerOn = true
}

// Spinner rewrites the waiting line in place. A no-op for non-ANSI
// receivers.
func (r *Renderer) Spinner(frame int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.ansi || !r.spinnerOn {
		return
	}
	r.write("\r" + SpinnerFrame(frame) + " Waiting for authorization...")
}

// Success draws the authorization-complete box.
func (r *Renderer) Success(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.clearSpinner()

	if !r.ansi {
		r.write(fmt.Sprintf("Authorized. Welcome, %s!\n", name))
		return
	}

	content := strings.Join([]string{
		bannerOKStyle.Render("✓ DEVICE ACTIVATED"),
		"",
		"Welcome, " + bannerTitleStyle.Render(truncate(name, 30)) + "!",
	}, "\n")
	r.write(bannerBoxStyle.Render(content) + "\n")
}

// Reconnected greets a returning verified key without re-running the
// device flow.
func (r *Renderer) Reconnected(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.ansi {
		r.write(fmt.Sprintf("Welcome back, %s!\n", name))
		return
	}

	content := strings.Join([]string{
		bannerOKStyle.Render("✓ WELCOME BACK"),
		"",
		"Welcome back, " + bannerTitleStyle.Render(truncate(name, 30)) + "!",
	}, "\n")
	r.write("\n" + bannerBoxStyle.Render(content) + "\n")
}

// TunnelReady announces a registered tunnel URL.
func (r *Renderer) TunnelReady(url string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.clearSpinner()

	if !r.ansi {
		r.write(fmt.Sprintf("Tunnel ready: %s\n", url))
		return
	}
	r.write("➜ Your tunnel is ready: " + bannerURLStyle.Render(url) + "\n")
	r.write(bannerDimStyle.Render("Press ESC twice to disconnect") + "\n")
}

// Failure draws the activation-failed box.
func (r *Renderer) Failure(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.clearSpinner()

	if !r.ansi {
		r.write(fmt.Sprintf("Activation failed: %s\n", reason))
		r.write("Please reconnect to try again.\n")
		return
	}

	content := strings.Join([]string{
		bannerErrStyle.Render("✗ ACTIVATION FAILED"),
		"",
		truncate(reason, bannerWidth-4),
		"",
		"Please reconnect to try again.",
	}, "\n")
	r.write(bannerBoxStyle.Render(content) + "\n")
}

// ServiceWarning notes that the client's local service did not answer a
// probe. The tunnel stays up; the service may come up later.
func (r *Renderer) ServiceWarning(addr string, port uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()

	line := fmt.Sprintf("Could not reach your local service on %s:%d - is it running?", addr, port)
	if !r.ansi {
		r.write(line + "\n")
		return
	}
	r.write(bannerDimStyle.Render("⚠ "+line) + "\n")
}

// EscHint tells the user a second ESC will disconnect.
func (r *Renderer) EscHint() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.write("\nPress ESC again to disconnect...\n")
}

func (r *Renderer) clearSpinner() {
	if r.spinnerOn {
		r.write("\r\x1b[K")
		r.spinnerOn = false
	}
}

// write sends text with SSH-terminal line endings.
func (r *Renderer) write(s string) {
	_, _ = io.WriteString(r.out, strings.ReplaceAll(s, "\n", "\r\n"))
}

func truncate(s string, max int) string {
	if len(s) <= max || max < 4 {
		return s
	}
	return s[:max-3] + "..."
}
