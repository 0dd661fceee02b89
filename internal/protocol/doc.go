// Package protocol implements the workspace wire protocol.
//
// Every message is a JSON object with a string "name" field, serialized
// compactly and terminated by a single newline. Outbound messages are stamped
// with a "req_id"; replies to a request carry a matching "res_id".
//
// # Decoding
//
// Frames are decoded exactly once, at the transport boundary, into one of the
// concrete Message types (Patch, RoomInfo, CreateBuf, ...). Names that are not
// recognized decode to Unknown so callers can log them without failing.
//
//	framer := protocol.NewFramer(0)
//	frames, err := framer.Feed(chunk)
//	for _, f := range frames {
//	    env, err := protocol.Decode(f)
//	    if err != nil {
//	        // log and drop the frame, keep the connection
//	        continue
//	    }
//	    switch m := env.Msg.(type) {
//	    case *protocol.Patch:
//	        ...
//	    }
//	}
//
// A frame that is not valid UTF-8 or not valid JSON is reported as a
// *FrameError. The frame is lost; the stream stays usable because framing only
// depends on newline boundaries.
package protocol
