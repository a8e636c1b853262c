package logger

import (
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/buffer"
	"go.uber.org/zap/zapcore"
)

// ANSI codes for the console palette. One calm scheme, no theme switching:
// the agent runs unattended and the console is a glanceable tail, not a UI.
const (
	colorReset = "\x1b[0m"
	colorBold  = "\x1b[1m"

	colorTime    = "\x1b[38;5;108m" // muted green timestamps
	colorFg      = "\x1b[38;5;223m" // soft beige body text
	colorName    = "\x1b[38;5;65m"  // deep green component names
	colorJobID   = "\x1b[38;5;109m" // blue-green job identifiers
	colorStage   = "\x1b[38;5;208m" // warm orange stage markers
	colorNumber  = "\x1b[38;5;107m" // mid green counts and durations
	colorWarnFg  = "\x1b[38;5;179m"
	colorWarnBg  = "\x1b[48;5;58m"
	colorErrorFg = "\x1b[38;5;167m"
	colorErrorBg = "\x1b[48;5;52m"
)

// bracketPattern matches contexts like [job:shufti-8841] and [apply].
var bracketPattern = regexp.MustCompile(`\[([^\]]+)\]`)

// minimalEncoder implements a compact console encoder.
// Format: "13:04:35  orch  [job:shufti-8841] apply submitted  attempt=1 412ms"
type minimalEncoder struct {
	zapcore.Encoder // Embed a base encoder for field serialization
	buf             *buffer.Buffer
}

func newMinimalEncoder() *minimalEncoder {
	// Base JSON encoder handles field serialization we do not special-case
	baseEncoder := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())

	return &minimalEncoder{
		Encoder: baseEncoder,
		buf:     buffer.NewPool().Get(),
	}
}

func (enc *minimalEncoder) Clone() zapcore.Encoder {
	return &minimalEncoder{
		Encoder: enc.Encoder.Clone(),
		buf:     buffer.NewPool().Get(),
	}
}

func (enc *minimalEncoder) EncodeEntry(ent zapcore.Entry, fields []zapcore.Field) (*buffer.Buffer, error) {
	final := buffer.NewPool().Get()

	// Time
	final.AppendString(colorTime)
	final.AppendString(ent.Time.Format("15:04:05"))
	final.AppendString(colorReset)

	// Level: only shown for WARN and above
	if ent.Level != zapcore.InfoLevel && ent.Level != zapcore.DebugLevel {
		final.AppendString("  ")
		final.AppendString(levelColorString(ent.Level))
	}

	// Component name, abbreviated for visual grouping
	if ent.LoggerName != "" {
		final.AppendString("  ")
		final.AppendString(colorName)
		final.AppendString(abbreviateName(ent.LoggerName))
		final.AppendString(colorReset)
	}

	// Message with job/stage bracket colorization
	final.AppendString("  ")
	final.AppendString(colorizeMessage(ent.Message))

	// Fields: pull out the values that matter at a glance
	if len(fields) > 0 {
		if vals := extractFieldValues(fields); vals != "" {
			final.AppendString("  ")
			final.AppendString(vals)
		}
	}

	final.AppendString("\n")
	return final, nil
}

// levelColorString returns bold + colored + background for WARN/ERROR
func levelColorString(level zapcore.Level) string {
	switch level {
	case zapcore.WarnLevel:
		return colorBold + colorWarnBg + colorWarnFg + "WARN" + colorReset
	case zapcore.ErrorLevel:
		return colorBold + colorErrorBg + colorErrorFg + "ERROR" + colorReset
	case zapcore.DPanicLevel, zapcore.PanicLevel, zapcore.FatalLevel:
		return colorBold + colorErrorBg + colorErrorFg + level.CapitalString() + colorReset
	default:
		return ""
	}
}

// abbreviateName shortens component names: orchestrator -> orchestrator,
// server.broadcast -> s.broadcast
func abbreviateName(name string) string {
	parts := strings.Split(name, ".")
	if len(parts) > 1 {
		return string(parts[0][0]) + "." + strings.Join(parts[1:], ".")
	}
	return name
}

// colorizeMessage applies context-aware color to bracketed message segments.
// [job:...] brackets get the job id color, all other brackets are treated as
// stage or action markers.
func colorizeMessage(msg string) string {
	result := strings.Builder{}
	lastIndex := 0

	matches := bracketPattern.FindAllStringSubmatchIndex(msg, -1)
	for _, match := range matches {
		if textBefore := msg[lastIndex:match[0]]; textBefore != "" {
			result.WriteString(colorFg)
			result.WriteString(textBefore)
			result.WriteString(colorReset)
		}

		content := msg[match[2]:match[3]]
		color := colorStage
		if strings.HasPrefix(content, "job:") {
			color = colorJobID
		}

		result.WriteString(color)
		result.WriteString(msg[match[0]:match[1]])
		result.WriteString(colorReset)

		lastIndex = match[1]
	}

	if remaining := msg[lastIndex:]; remaining != "" {
		result.WriteString(colorFg)
		result.WriteString(remaining)
		result.WriteString(colorReset)
	}

	return result.String()
}

// getFieldValue extracts the value from a zap field, handling different field types
func getFieldValue(field zapcore.Field) string {
	if field.Type == zapcore.StringType {
		return field.String
	}

	if field.Type == zapcore.Int64Type || field.Type == zapcore.Int32Type ||
		field.Type == zapcore.Int16Type || field.Type == zapcore.Int8Type ||
		field.Type == zapcore.Uint64Type || field.Type == zapcore.Uint32Type ||
		field.Type == zapcore.Uint16Type || field.Type == zapcore.Uint8Type {
		return fmt.Sprintf("%d", field.Integer)
	}

	if field.Interface != nil {
		return fmt.Sprintf("%v", field.Interface)
	}

	return ""
}

// extractFieldValues pulls just the glanceable values from structured fields.
// Input: {"job_id": "shufti-8841", "stage": "applied", "duration_ms": 412}
// Output: "shufti-8841 applied 412ms" with per-kind colors.
func extractFieldValues(fields []zapcore.Field) string {
	var values []string

	for _, field := range fields {
		val := getFieldValue(field)
		if val == "" {
			continue
		}

		switch field.Key {
		case FieldJobID, "instance_id", "event_id":
			values = append(values, colorJobID+val+colorReset)
		case FieldStage, FieldKind, FieldOutcome, "from", "to", "signal":
			values = append(values, colorStage+val+colorReset)
		case FieldAttempt:
			values = append(values, colorFg+"attempt="+colorReset+colorNumber+val+colorReset)
		case FieldScore:
			values = append(values, colorFg+"score="+colorReset+colorNumber+val+colorReset)
		case FieldDurationMS:
			values = append(values, colorNumber+val+colorReset+"ms")
		case FieldCount:
			values = append(values, colorNumber+val+colorReset)
		case FieldError:
			values = append(values, colorErrorFg+val+colorReset)
		}
	}

	return strings.Join(values, " ")
}
