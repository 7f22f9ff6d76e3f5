package collab

import (
	"strings"
)

// transformAgainst adjusts op's target position for the effect of an
// operation that was applied after op was generated. The adjusted copy is
// returned; op itself is never mutated.
//
// When two inserts land on exactly the same position the author id decides
// the order: the lexicographically lower author keeps the earlier position.
// This makes transformation deterministic regardless of arrival order.
func transformAgainst(op, applied Operation) Operation {
	if applied.File != op.File {
		return op
	}
	switch applied.Type {
	case OpInsert:
		return transformForInsert(op, applied.Line, applied.Column, applied.Text, applied.UserID)
	case OpDelete:
		return transformForDelete(op, applied.Line, applied.Column, applied.Length)
	case OpReplace:
		op = transformForDelete(op, applied.Line, applied.Column, applied.Length)
		return transformForInsert(op, applied.Line, applied.Column, applied.Text, applied.UserID)
	}
	return op
}

func transformForInsert(op Operation, line, column int, text, authorID string) Operation {
	newlines := strings.Count(text, "\n")
	if line < op.Line {
		op.Line += newlines
		return op
	}
	if line != op.Line {
		return op
	}
	ranged := op.Type == OpDelete || op.Type == OpReplace
	if ranged && column > op.Column && column < op.Column+op.Length {
		// The insert landed inside op's range. The range swallows the
		// stretch it now spans and the inserted text is re-emitted in the
		// replacement, so both edits survive in either application order.
		if newlines == 0 {
			op.Length += len(text)
			switch {
			case op.Type == OpDelete:
				op.Type = OpReplace
				op.Text = text
			case op.UserID < authorID:
				op.Text += text
			default:
				op.Text = text + op.Text
			}
			return op
		}
		// A multi-line insert split the range across lines; a single
		// operation cannot cover both sides, so the range ends at the
		// split point.
		op.Length = column - op.Column
		return op
	}
	// An insert at a range's start always shifts the range behind it; only
	// insert-vs-insert at the same position needs the author tie-break.
	shifts := column < op.Column ||
		(column == op.Column && (ranged || authorID < op.UserID))
	if !shifts {
		return op
	}
	if newlines == 0 {
		op.Column += len(text)
		return op
	}
	// The insert split op's line: op's position moves to the tail line,
	// offset from the end of the inserted text.
	tail := text[strings.LastIndexByte(text, '\n')+1:]
	op.Line += newlines
	op.Column = op.Column - column + len(tail)
	return op
}

func transformForDelete(op Operation, line, column, length int) Operation {
	if line != op.Line || column >= op.Column {
		return op
	}
	removed := min(length, op.Column-column)
	op.Column -= removed
	return op
}

// applyToContent splices op into content at (line, column). An operation
// addressing a line beyond the current line count is a no-op (returns
// false) rather than an error: under network races clients may reference
// state the server has already moved past, and the session must stay
// alive. Columns beyond the end of the line are clamped.
func applyToContent(content string, op Operation) (string, bool) {
	lines := strings.Split(content, "\n")
	if op.Line < 0 || op.Line >= len(lines) {
		return content, false
	}
	line := lines[op.Line]
	col := op.Column
	if col < 0 {
		col = 0
	}
	if col > len(line) {
		col = len(line)
	}
	switch op.Type {
	case OpInsert:
		lines[op.Line] = line[:col] + op.Text + line[col:]
	case OpDelete:
		end := min(col+op.Length, len(line))
		lines[op.Line] = line[:col] + line[end:]
	case OpReplace:
		end := min(col+op.Length, len(line))
		lines[op.Line] = line[:col] + op.Text + line[end:]
	default:
		return content, false
	}
	return strings.Join(lines, "\n"), true
}

// apply transforms op against every operation applied since op's base
// version, splices it into the content, and advances the version. The
// transformed operation is returned so it can be broadcast; ok is false
// when the operation degenerated to a no-op.
func (fs *FileState) apply(op Operation, historyLimit int) (Operation, bool) {
	for _, entry := range fs.history {
		if entry.version > op.BaseVersion {
			op = transformAgainst(op, entry.op)
		}
	}
	content, ok := applyToContent(fs.Content, op)
	if !ok {
		return op, false
	}
	fs.Content = content
	fs.Version++
	fs.LastModifiedBy = op.UserID
	fs.record(op, historyLimit)
	return op, true
}

// applyRemote overwrites file state from a file_changed event produced on
// another instance. Idempotent: an event at or below the current version
// is ignored, which absorbs duplicate delivery from the bus.
func (fs *FileState) applyRemote(p FileChangedPayload, historyLimit int) bool {
	if p.Version <= fs.Version {
		return false
	}
	fs.Content = p.Content
	fs.Version = p.Version
	fs.LastModifiedBy = p.Op.UserID
	fs.record(p.Op, historyLimit)
	return true
}

func (fs *FileState) record(op Operation, historyLimit int) {
	fs.history = append(fs.history, appliedOp{op: op, version: fs.Version})
	if historyLimit > 0 && len(fs.history) > historyLimit {
		fs.history = fs.history[len(fs.history)-historyLimit:]
	}
}
