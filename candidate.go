package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"GoAIInterviewer/internal/protocol"
	"GoAIInterviewer/internal/wsclient"
)

// formatEnvelope 把房间里收到的信封渲染成一行文本，不需要显示的返回空串
func formatEnvelope(raw []byte) string {
	env, err := protocol.DecodeEnvelope(raw)
	if err != nil {
		return ""
	}
	switch env.Type {
	case protocol.TypeParticipantJoined:
		return fmt.Sprintf("* %s joined", env.Participant)
	case protocol.TypeParticipantLeft:
		return fmt.Sprintf("* %s left", env.Participant)
	case protocol.TypeData:
		chat, err := protocol.DecodeChat(env)
		if err != nil || chat.Type != protocol.PayloadTypeChat {
			return ""
		}
		sender := chat.Sender
		if sender == "" {
			sender = env.Participant
		}
		return fmt.Sprintf("%s: %s", sender, chat.Message)
	default:
		return ""
	}
}

// runCandidate 以候选人身份加入房间，逐行发送标准输入，打印面试官消息。
// 连接意外断开时自动重连，放弃重连后退出
func runCandidate(url, token string, in io.Reader, out io.Writer) error {
	if token == "" {
		return errors.New("-token is required")
	}

	config := wsclient.DefaultClientConfig(url, token)
	config.Reconnect = true
	client := wsclient.New(config)
	client.SetMessageHandler(func(raw []byte) {
		if line := formatEnvelope(raw); line != "" {
			fmt.Fprintln(out, line)
		}
	})
	client.SetStateChangeHandler(func(oldState, newState wsclient.ClientState) {
		switch {
		case newState == wsclient.StateReconnecting:
			fmt.Fprintln(out, "* 连接中断，正在重连...")
		case oldState == wsclient.StateReconnecting && newState == wsclient.StateConnected:
			fmt.Fprintln(out, "* 已重新连接")
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("连接房间失败: %w", err)
	}
	defer func() {
		client.Close()
		stats := client.GetStats()
		fmt.Fprintf(out, "* 已发送 %v 条，收到 %v 条，重连 %v 次\n", stats["sent"], stats["received"], stats["reconnects"])
	}()
	fmt.Fprintln(out, "✅ 已加入房间，输入回答后回车发送，Ctrl+D 退出")

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-client.Done():
			fmt.Fprintln(out, "* 连接已断开")
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			raw, err := protocol.EncodeCandidateChat(line)
			if err != nil {
				return err
			}
			if err := client.Send(raw); err != nil {
				if errors.Is(err, wsclient.ErrNotConnected) && client.State() == wsclient.StateReconnecting {
					fmt.Fprintln(out, "* 正在重连，这条消息没有发出，请稍后重发")
					continue
				}
				return fmt.Errorf("发送失败: %w", err)
			}
		}
	}
}
