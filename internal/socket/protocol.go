// Package socket speaks the socket.io wire protocol over a plain websocket
// so existing CLI and terminal clients connect unchanged. Two namespaces are
// served: /cli for agent connections and /terminal for terminal controllers.
package socket

import (
	"encoding/json"
	"errors"
	"strconv"
	"strings"
)

type enginePacketType byte

const (
	engineOpen    enginePacketType = '0'
	engineClose   enginePacketType = '1'
	enginePing    enginePacketType = '2'
	enginePong    enginePacketType = '3'
	engineMessage enginePacketType = '4'
)

type socketPacketType byte

const (
	socketConnect socketPacketType = '0'
	socketEvent   socketPacketType = '2'
	socketAck     socketPacketType = '3'
)

// parseNamespacePrefix splits an optional "/ns," prefix off a socket.io
// payload. No prefix means the default namespace "/".
func parseNamespacePrefix(s string) (namespace string, rest string) {
	if !strings.HasPrefix(s, "/") {
		return "/", s
	}
	comma := strings.IndexByte(s, ',')
	if comma == -1 {
		return "/", s
	}
	return s[:comma], s[comma+1:]
}

// parseAckIDPrefix reads the optional numeric ack id in front of the JSON
// array.
func parseAckIDPrefix(s string) (id *int, rest string) {
	i := 0
	for i < len(s) {
		c := s[i]
		if c < '0' || c > '9' {
			break
		}
		i++
	}
	if i == 0 {
		return nil, s
	}
	v, err := strconv.Atoi(s[:i])
	if err != nil {
		return nil, s
	}
	return &v, s[i:]
}

type eventPacket struct {
	Namespace string
	ID        *int
	Event     string
	Args      []json.RawMessage
}

func parseEventPacket(payload string) (eventPacket, error) {
	if payload == "" {
		return eventPacket{}, errors.New("empty payload")
	}
	if payload[0] != byte(socketEvent) {
		return eventPacket{}, errors.New("not an event packet")
	}

	ns, rest := parseNamespacePrefix(payload[1:])
	id, rest := parseAckIDPrefix(rest)
	if !strings.HasPrefix(rest, "[") {
		return eventPacket{}, errors.New("invalid event payload")
	}

	var arr []json.RawMessage
	if err := json.Unmarshal([]byte(rest), &arr); err != nil {
		return eventPacket{}, err
	}
	if len(arr) == 0 {
		return eventPacket{}, errors.New("missing event name")
	}
	var eventName string
	if err := json.Unmarshal(arr[0], &eventName); err != nil {
		return eventPacket{}, errors.New("invalid event name")
	}

	return eventPacket{Namespace: ns, ID: id, Event: eventName, Args: arr[1:]}, nil
}

type ackPacket struct {
	Namespace string
	ID        int
	Args      []json.RawMessage
}

func parseAckPacket(payload string) (ackPacket, error) {
	if payload == "" {
		return ackPacket{}, errors.New("empty payload")
	}
	if payload[0] != byte(socketAck) {
		return ackPacket{}, errors.New("not an ack packet")
	}

	ns, rest := parseNamespacePrefix(payload[1:])
	id, rest := parseAckIDPrefix(rest)
	if id == nil {
		return ackPacket{}, errors.New("missing ack id")
	}
	if !strings.HasPrefix(rest, "[") {
		return ackPacket{}, errors.New("invalid ack payload")
	}

	var arr []json.RawMessage
	if err := json.Unmarshal([]byte(rest), &arr); err != nil {
		return ackPacket{}, err
	}
	return ackPacket{Namespace: ns, ID: *id, Args: arr}, nil
}

func buildEventPacket(namespace string, id *int, event string, args ...any) (string, error) {
	arr := make([]any, 0, 1+len(args))
	arr = append(arr, event)
	arr = append(arr, args...)
	data, err := json.Marshal(arr)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteByte(byte(socketEvent))
	if namespace != "" && namespace != "/" {
		b.WriteString(namespace)
		b.WriteByte(',')
	}
	if id != nil {
		b.WriteString(strconv.Itoa(*id))
	}
	b.Write(data)
	return b.String(), nil
}

func buildConnectPacket(namespace string, sid string) (string, error) {
	data, err := json.Marshal(map[string]string{"sid": sid})
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteByte(byte(socketConnect))
	if namespace != "" && namespace != "/" {
		b.WriteString(namespace)
		b.WriteByte(',')
	}
	b.Write(data)
	return b.String(), nil
}

func buildAckPacket(namespace string, id int, args ...any) (string, error) {
	if args == nil {
		args = make([]any, 0)
	}
	data, err := json.Marshal(args)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteByte(byte(socketAck))
	if namespace != "" && namespace != "/" {
		b.WriteString(namespace)
		b.WriteByte(',')
	}
	b.WriteString(strconv.Itoa(id))
	b.Write(data)
	return b.String(), nil
}
