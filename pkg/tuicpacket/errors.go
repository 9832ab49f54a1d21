package tuicpacket

import "errors"

// ErrInvalidFragment is returned by Buffer.Insert when frag_id is not less
// than frag_total, which can only mean the sender or the decoder has
// produced an inconsistent Packet command.
var ErrInvalidFragment = errors.New("tuicpacket: frag_id out of range for frag_total")
