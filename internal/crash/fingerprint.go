package crash

import (
	"crypto/sha256"
	"encoding/hex"
	"path"
	"regexp"
	"strings"

	"fuzzcore/internal/types"
)

// maxFrames bounds how deep into the stack the identity looks
const maxFrames = 8

const noCoverage = "none"

// Fingerprint is the deduplication identity of a crash
type Fingerprint struct {
	Hash         string `json:"hash"`
	StackHash    string `json:"stack_hash"`
	Signal       string `json:"signal"`
	CoverageHash string `json:"coverage_hash"`
}

// signal kinds recognised by classifySignal
const (
	SignalHeapOverflow  = "heap-buffer-overflow"
	SignalStackOverflow = "stack-buffer-overflow"
	SignalUseAfterFree  = "use-after-free"
	SignalDoubleFree    = "double-free"
	SignalNullDeref     = "null-dereference"
	SignalRecursion     = "stack-overflow"
	SignalOOM           = "oom"
	SignalTimeout       = "timeout"
	SignalIndexOOB      = "index-out-of-bounds"
	SignalDivideByZero  = "divide-by-zero"
	SignalAssertion     = "assertion"
	SignalSegv          = "SIGSEGV"
	SignalAbort         = "SIGABRT"
	SignalBus           = "SIGBUS"
	SignalIllegal       = "SIGILL"
	SignalKill          = "SIGKILL"
	SignalUnknown       = "unknown"
)

// ordered: the first vocabulary entry whose marker appears wins
var signalVocabulary = []struct {
	kind    string
	markers []string
}{
	{SignalHeapOverflow, []string{"heap-buffer-overflow", "global-buffer-overflow"}},
	{SignalStackOverflow, []string{"stack-buffer-overflow", "stack-buffer-underflow"}},
	{SignalUseAfterFree, []string{"use-after-free", "use-after-poison"}},
	{SignalDoubleFree, []string{"double-free", "attempting free on address"}},
	{SignalNullDeref, []string{"null pointer", "nil pointer", "nullpointerexception", "of null", "of undefined",
		"null reference", "'nonetype' object", "is not an object (evaluating"}},
	{SignalRecursion, []string{"stack-overflow", "maximum call stack", "recursionerror", "stackoverflowerror",
		"goroutine stack exceeds", "maximum recursion depth"}},
	{SignalOOM, []string{"out of memory", "out-of-memory", "outofmemoryerror", "memoryerror",
		"allocation-size-too-big", "cannot allocate memory"}},
	{SignalTimeout, []string{"timeout", "timed out", "deadline exceeded"}},
	{SignalIndexOOB, []string{"index out of range", "indexerror", "indexoutofbounds", "out of bounds",
		"invalid array length", "rangeerror"}},
	{SignalDivideByZero, []string{"division by zero", "divide by zero", "zerodivisionerror", "integer divide",
		"arithmeticexception", "sigfpe"}},
	{SignalAssertion, []string{"assertion", "assertionerror", "assert("}},
	{SignalSegv, []string{"sigsegv", "segv on", "segmentation fault"}},
	{SignalAbort, []string{"sigabrt", "abort"}},
	{SignalBus, []string{"sigbus", "bus error"}},
	{SignalIllegal, []string{"sigill", "illegal instruction"}},
}

var numericSignals = map[string]string{
	"4":  SignalIllegal,
	"6":  SignalAbort,
	"7":  SignalBus,
	"8":  SignalDivideByZero,
	"9":  SignalKill,
	"11": SignalSegv,
}

var (
	// #3 0x4f5a2b in parse_header /src/parse.c:42:7
	sanitizerFrame = regexp.MustCompile(`^#\d+\s+0x[0-9a-fA-F]+\s+in\s+([^\s(]+)`)
	// at parseUser (/app/src/user.js:10:15), at com.acme.Parser.parse(Parser.java:42)
	atFrame = regexp.MustCompile(`^at\s+(?:async\s+|new\s+)?([^\s(]+)`)
	// File "/app/handler.py", line 12, in handle
	pythonFrame = regexp.MustCompile(`^File "([^"]+)", line \d+, in (\S+)`)
	// main.(*Parser).parse(0xc000010000, {0x4b2f00, 0x3})
	goFrame = regexp.MustCompile(`^([\w./*()\[\]-]+)\((?:[0-9a-fx, {}.?]*)\)$`)

	hexAddress = regexp.MustCompile(`0x[0-9a-fA-F]+`)
	lineCol    = regexp.MustCompile(`:\d+(:\d+)?`)
	absPath    = regexp.MustCompile(`(?:[A-Za-z]:)?(?:[/\\][^/\\\s:()"']+)+`)
	spaces     = regexp.MustCompile(`\s+`)
)

// GenerateFingerprint derives the identity of a crash from its normalized stack, its
// signal kind and its coverage bitmap. The leading message of a trace is not part of
// the identity, so the same site reached with different inputs maps to one fingerprint.
func GenerateFingerprint(crash types.CrashInfo) Fingerprint {
	frames, message := parseTrace(crash.StackTrace)
	stackHash := hashString(strings.Join(frames, "\n"))
	signal := classifySignal(crash, message)

	coverageHash := noCoverage
	if len(crash.CoverageBitmap) > 0 {
		sum := sha256.Sum256(crash.CoverageBitmap)
		coverageHash = hex.EncodeToString(sum[:])
	}

	return Fingerprint{
		Hash:         hashString(stackHash + "|" + signal + "|" + coverageHash),
		StackHash:    stackHash,
		Signal:       signal,
		CoverageHash: coverageHash,
	}
}

// parseTrace splits a trace into normalized frame identities and the remaining message
// lines. Traces without any recognizable frame use their normalized lines, minus the
// header, as frames.
func parseTrace(trace string) (frames []string, message []string) {
	var fallback []string
	for i, raw := range strings.Split(trace, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}
		if frame, ok := parseFrame(line); ok {
			if len(frames) < maxFrames {
				frames = append(frames, frame)
			}
			continue
		}
		if !lineCol.MatchString(line) {
			message = append(message, line)
		}
		if i > 0 && len(fallback) < maxFrames {
			fallback = append(fallback, normalizeLine(line))
		}
	}
	switch {
	case len(frames) > 0:
		return frames, message
	case len(fallback) > 0:
		return fallback, message
	default:
		// single line trace, the header is all there is
		return []string{normalizeLine(strings.TrimSpace(trace))}, message
	}
}

// topFrame returns the innermost frame of a trace, or "" when there is none
func topFrame(trace string) string {
	for _, raw := range strings.Split(trace, "\n") {
		if frame, ok := parseFrame(strings.TrimSpace(raw)); ok {
			return frame
		}
	}
	return ""
}

func parseFrame(line string) (string, bool) {
	if m := sanitizerFrame.FindStringSubmatch(line); m != nil {
		return m[1], true
	}
	if m := pythonFrame.FindStringSubmatch(line); m != nil {
		return path.Base(strings.ReplaceAll(m[1], `\`, "/")) + ":" + m[2], true
	}
	if m := atFrame.FindStringSubmatch(line); m != nil {
		return normalizeLine(m[1]), true
	}
	if m := goFrame.FindStringSubmatch(line); m != nil && !strings.HasPrefix(line, "goroutine ") {
		return m[1], true
	}
	return "", false
}

func normalizeLine(line string) string {
	line = hexAddress.ReplaceAllString(line, "")
	line = absPath.ReplaceAllStringFunc(line, func(p string) string {
		return path.Base(strings.ReplaceAll(p, `\`, "/"))
	})
	line = lineCol.ReplaceAllString(line, "")
	return strings.TrimSpace(spaces.ReplaceAllString(line, " "))
}

// classifySignal maps a crash onto the signal vocabulary. Message text is checked first
// since it is more specific than the raw signal a process died with.
func classifySignal(crash types.CrashInfo, message []string) string {
	text := strings.ToLower(crash.ErrorMessage + "\n" + strings.Join(message, "\n"))
	for _, entry := range signalVocabulary {
		for _, marker := range entry.markers {
			if strings.Contains(text, marker) {
				return entry.kind
			}
		}
	}

	signal := strings.TrimSpace(crash.Signal)
	for _, entry := range signalVocabulary {
		if strings.EqualFold(signal, entry.kind) {
			return entry.kind
		}
	}
	if strings.EqualFold(signal, SignalKill) {
		return SignalKill
	}
	if kind, ok := numericSignals[signal]; ok {
		return kind
	}
	if signal == "" {
		return SignalUnknown
	}
	return strings.ToUpper(signal)
}

func hashString(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
