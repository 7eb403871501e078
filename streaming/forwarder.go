package streaming

// BufferedLine is one unit of not-yet-forwarded output: a rendered SSE line
// ready to write verbatim once drained, plus the raw thought/formal text it
// carries so the finaliser can reassemble a residual line into the terminal
// event instead of re-parsing its rendered form. Text is the formal-text
// length contributed to the lookahead accounting — thought lines contribute
// 0, since only formal text can ever contain a completed FINISHED token.
type BufferedLine struct {
	RawLine          string
	Text             string
	ThoughtText      string
	FormalText       string
	IsTransitionLine bool
}

// Forwarder implements C4: it withholds the last Lookahead characters of
// formal text so a completed FINISHED token can never reach the client, and
// releases buffered lines only once enough trailing text has accumulated
// behind them to guarantee that.
type Forwarder struct {
	lookahead   int
	textBuffer  string
	linesBuffer []BufferedLine
}

// NewForwarder creates a Forwarder withholding the given number of trailing
// characters at all times (protocol.Lookahead in production).
func NewForwarder(lookahead int) *Forwarder {
	return &Forwarder{lookahead: lookahead}
}

// Ingest appends a newly classified line to the buffer.
func (f *Forwarder) Ingest(line BufferedLine) {
	f.textBuffer += line.Text
	f.linesBuffer = append(f.linesBuffer, line)
}

// Drain releases every buffered line that is now safely behind the
// lookahead window, calling emit for each one in order.
func (f *Forwarder) Drain(emit func(BufferedLine)) {
	for len(f.textBuffer) > f.lookahead && len(f.linesBuffer) > 0 {
		head := f.linesBuffer[0]
		available := len(f.textBuffer) - f.lookahead
		if len(head.Text) > available {
			break
		}
		emit(head)
		f.textBuffer = f.textBuffer[len(head.Text):]
		f.linesBuffer = f.linesBuffer[1:]
	}
}

// Flush releases every remaining buffered line regardless of the lookahead
// window, used when the attempt ends (cleanly or via passthrough) and there
// is nothing left to withhold against.
func (f *Forwarder) Flush(emit func(BufferedLine)) {
	for _, line := range f.linesBuffer {
		emit(line)
	}
	f.linesBuffer = nil
	f.textBuffer = ""
}

// Residual returns the lines still held back, without releasing them —
// used by the finaliser to assemble the terminal event from whatever never
// cleared the lookahead window.
func (f *Forwarder) Residual() []BufferedLine {
	return f.linesBuffer
}

// PendingText returns the current withheld formal text, used by ghost-loop
// detection (§4.5) which inspects accumulated-plus-pending text.
func (f *Forwarder) PendingText() string {
	return f.textBuffer
}
