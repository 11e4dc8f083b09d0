package client

// Command is one reversible user action. Undo must restore the exact
// prior state, so values it needs (previous title, previous order) are
// captured when the command is constructed, not when it runs.
type Command struct {
	Execute func()
	Undo    func()
}

// UndoStack keeps an ordered history of commands for keyboard-driven
// undo/redo. It is in-memory only and owned by whoever constructs it,
// typically one stack per replica session.
type UndoStack struct {
	undo []Command
	redo []Command
}

func NewUndoStack() *UndoStack {
	return &UndoStack{}
}

// Add runs the command and makes it the new undo-top. Any redo history
// beyond this point is discarded.
func (s *UndoStack) Add(cmd Command) {
	cmd.Execute()
	s.undo = append(s.undo, cmd)
	s.redo = s.redo[:0]
}

// Undo reverts the most recent command and moves it to the redo side.
// It reports whether there was anything to undo.
func (s *UndoStack) Undo() bool {
	if len(s.undo) == 0 {
		return false
	}
	cmd := s.undo[len(s.undo)-1]
	s.undo = s.undo[:len(s.undo)-1]
	cmd.Undo()
	s.redo = append(s.redo, cmd)
	return true
}

// Redo re-runs the most recently undone command and moves it back to
// the undo side.
func (s *UndoStack) Redo() bool {
	if len(s.redo) == 0 {
		return false
	}
	cmd := s.redo[len(s.redo)-1]
	s.redo = s.redo[:len(s.redo)-1]
	cmd.Execute()
	s.undo = append(s.undo, cmd)
	return true
}

// Clear drops both histories.
func (s *UndoStack) Clear() {
	s.undo = nil
	s.redo = nil
}
