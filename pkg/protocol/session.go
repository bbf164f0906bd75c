package protocol

// identExt is a private address extension value the Session uses to mark
// "the MTA points into the in-memory identification buffer", never
// produced by any real DAQ configuration command (those only ever see
// ext 0-3, spec.md §4.4). It lets GET_ID reuse the ordinary UPLOAD path
// instead of a bespoke one-shot transfer.
const identExt uint8 = 0x7F

// mta is the Memory Transfer Address cursor SET_MTA positions and
// UPLOAD/DOWNLOAD/SHORT_UPLOAD consume and advance (spec.md §4.5).
type mta struct {
	ext  uint8
	addr uint32
}

// Session is the per-connection state the protocol engine's dispatcher
// reads and mutates while handling one CTO command. There is exactly one
// Session per Engine: the spec models a single master per slave
// (spec.md §3).
type Session struct {
	connected bool
	cursor    mta

	// identBuf/identPos back UPLOAD when cursor.ext == identExt,
	// populated by GET_ID.
	identBuf []byte
	identPos int
}

func (s *Session) reset() {
	*s = Session{}
}
