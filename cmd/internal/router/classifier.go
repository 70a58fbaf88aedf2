package router

// Authorize checks the message body against the session whitelists.
// Mirror requests are always permitted.
func Authorize(s Session, m Message) error {
	switch in := m.Inner.(type) {
	case InvokeCall:
		if !s.IsProgramAllowed(in.TargetProgram) {
			return ErrUnauthorizedProgram
		}
	case EmbeddedOpcode:
		if !s.IsOpcodeAllowed(in.Opcode) {
			return ErrUnauthorizedOpcode
		}
	case MirrorL1Accounts:
	default:
		return ErrInvalidArgument
	}
	return nil
}
