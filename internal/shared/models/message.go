package models

import "strconv"

type MessageID uint8

const (
	MessageIDChoke MessageID = iota
	MessageIDUnchoke
	MessageIDInterested
	MessageIDNotInterested
	MessageIDHave
	MessageIDBitfield
	MessageIDRequest
	MessageIDPiece
	MessageIDCancel
	MessageIDPort
)

var messageIDNames = [...]string{
	"choke",
	"unchoke",
	"interested",
	"not interested",
	"have",
	"bitfield",
	"request",
	"piece",
	"cancel",
	"port",
}

func (id MessageID) String() string {
	if int(id) < len(messageIDNames) {
		return messageIDNames[id]
	}
	return "unknown(" + strconv.Itoa(int(id)) + ")"
}
