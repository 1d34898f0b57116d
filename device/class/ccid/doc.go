// Package ccid implements the USB Chip/Smart Card Interface Device (CCID)
// class driver: the reader side of the protocol a host PC/SC stack speaks to
// a smart-card reader.
//
// # Architecture
//
// The driver consists of four main components:
//
//  1. Message codec - Decodes PC_to_RDR and encodes RDR_to_PC messages
//  2. Slot store - One record per slot holding ICC state, the abort latch
//     and negotiated parameters
//  3. Command processor - Runs each command against the slot's [Card]
//  4. Control dispatcher - Serves class requests on EP0, including ABORT
//
// # Bulk Protocol
//
// Every bulk-OUT message starts with a 10-byte header (bMessageType,
// dwLength, bSlot, bSeq and three message-specific bytes) and is answered by
// exactly one bulk-IN message echoing bSlot and bSeq. bStatus carries the
// command status in bits 6-7 and the ICC status in bits 0-1; bError
// identifies the failure when the command status is "failed".
//
// Transfers shorter than the header stall the bulk-OUT endpoint. Other
// malformed messages (unknown type, bad dwLength) are answered with a failed
// slot status.
//
// # Abort
//
// Aborting a command takes a control ABORT request and a bulk-OUT Abort
// message carrying the same bSeq, in either order. Between the two, every
// other bulk-OUT message for the slot is answered with CMD_ABORTED.
//
// # Chaining
//
// Command APDUs larger than MaxDataSize arrive as a chain of XfrBlocks
// (wLevelParameter 1, 3, ..., 2) and are reassembled before reaching the
// card. Responses larger than MaxDataSize are returned one block at a time;
// the host requests each following block with an empty XfrBlock whose
// wLevelParameter is 0x10.
//
// # Cards
//
// A slot is backed by a [Card]. Optional interfaces ([Presence], [Escaper],
// [ClockController], [RateController] and others) enable the matching
// commands; without them the command fails with "command not supported".
// [VirtualCard] is an in-memory ISO 7816-4 card useful for tests and
// examples.
//
// # Descriptors
//
// [CCID.MarshalDescriptors] writes the interface descriptor, the Smart Card
// functional descriptor derived from [Config] and both bulk endpoint
// descriptors, ready for the platform's configuration descriptor.
//
// # Usage Example
//
//	card := ccid.NewVirtualCard(nil)
//	card.AddFile(0xE104, ndef)
//
//	reader, err := ccid.New(ccid.DefaultConfig(), card)
//	if err != nil {
//	    return err
//	}
//
//	stack := device.NewStack(h)
//	reader.Attach(stack)
//	if err := stack.Start(ctx); err != nil {
//	    return err
//	}
//	defer stack.Stop()
//
//	go reader.Run(ctx)
//
// # References
//
//   - USB Device Class: Smart Card CCID, Revision 1.1
//   - ISO/IEC 7816-3 and 7816-4
package ccid
