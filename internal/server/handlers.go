package server

import (
	"context"
	"fmt"
	"time"

	"github.com/npezzotti/swapchat/internal/types"
)

const authorizeTimeout = 5 * time.Second

func (g *Gateway) joinThreadRoom(c *Client, _ *types.Envelope, p types.ThreadRoomPayload) error {
	if g.authorizer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), authorizeTimeout)
		defer cancel()

		ok, err := g.authorizer.CanJoinThread(ctx, c.user.Id, p.ThreadId)
		if err != nil {
			return fmt.Errorf("authorize thread room: %w", err)
		}
		if !ok {
			return errForbidden
		}
	}

	g.join(ThreadRoom(p.ThreadId), c)
	return nil
}

func (g *Gateway) leaveThreadRoom(c *Client, _ *types.Envelope, p types.ThreadRoomPayload) error {
	g.leave(ThreadRoom(p.ThreadId), c)
	return nil
}

func (g *Gateway) typingStart(c *Client, _ *types.Envelope, p types.TypingPayload) error {
	return g.relayTyping(c, types.EventUserTyping, p.ThreadId)
}

func (g *Gateway) typingStop(c *Client, _ *types.Envelope, p types.TypingPayload) error {
	return g.relayTyping(c, types.EventUserStoppedTyping, p.ThreadId)
}

func (g *Gateway) relayTyping(c *Client, event, threadId string) error {
	_, err := g.EmitToThread(threadId, event, types.TypingNotice{
		UserId:   c.user.Id,
		Username: c.user.Username,
		ThreadId: threadId,
	}, c)
	return err
}

func (g *Gateway) callInitiate(c *Client, _ *types.Envelope, p types.CallInitiatePayload) error {
	_, err := g.EmitToUser(p.RecipientId, types.EventCallIncoming, types.CallIncomingNotice{
		CallId:         p.CallId,
		CallerId:       c.user.Id,
		CallerUsername: c.user.Username,
		IsVideoCall:    p.IsVideoCall,
	}, nil)
	return err
}

func (g *Gateway) callAccepted(c *Client, _ *types.Envelope, p types.CallReplyPayload) error {
	_, err := g.EmitToUser(p.CallerId, types.EventCallAccepted, types.CallReplyNotice{
		CallId:      p.CallId,
		RecipientId: c.user.Id,
	}, nil)
	return err
}

func (g *Gateway) callRejected(c *Client, _ *types.Envelope, p types.CallReplyPayload) error {
	_, err := g.EmitToUser(p.CallerId, types.EventCallRejected, types.CallReplyNotice{
		CallId:      p.CallId,
		RecipientId: c.user.Id,
	}, nil)
	return err
}

func (g *Gateway) callOffer(c *Client, _ *types.Envelope, p types.CallOfferPayload) error {
	_, err := g.EmitToUser(p.RecipientId, types.EventCallOffer, types.CallOfferNotice{
		Offer:    p.Offer,
		CallId:   p.CallId,
		CallerId: c.user.Id,
	}, nil)
	return err
}

func (g *Gateway) callAnswer(c *Client, _ *types.Envelope, p types.CallAnswerPayload) error {
	_, err := g.EmitToUser(p.CallerId, types.EventCallAnswer, types.CallAnswerNotice{
		Answer:      p.Answer,
		CallId:      p.CallId,
		RecipientId: c.user.Id,
	}, nil)
	return err
}

func (g *Gateway) callIceCandidate(c *Client, _ *types.Envelope, p types.IceCandidatePayload) error {
	_, err := g.EmitToUser(p.TargetUserId, types.EventCallIceCandidate, types.IceCandidateNotice{
		Candidate:  p.Candidate,
		CallId:     p.CallId,
		FromUserId: c.user.Id,
	}, nil)
	return err
}

func (g *Gateway) callEnd(_ *Client, _ *types.Envelope, p types.CallEndPayload) error {
	_, err := g.EmitToUser(p.OtherUserId, types.EventCallEnded, types.CallEndedNotice{
		CallId: p.CallId,
	}, nil)
	return err
}
