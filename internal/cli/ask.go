// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// ask.go - The "ragchat ask" command.
//
// Command: ask
// Short:   Ask one question and print the answer
//
// Examples:
//   ragchat ask "What is the leave policy?"
//   echo "What is the leave policy?" | ragchat ask
//   ragchat ask --json "Summarize chapter 2"
//
// The exit status is non-zero when the answer fails (1, or a network/auth
// code) or is interrupted with Ctrl+C (130).
package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jeranaias/ragchat/internal/conversation"
	"github.com/jeranaias/ragchat/internal/model"
	"github.com/jeranaias/ragchat/internal/stream"
)

// maxStdinQuestion bounds a question read from a pipe.
const maxStdinQuestion = 64 * 1024

// HandleAsk runs a single question.
func HandleAsk(args Args) error {
	query := args.Query
	if query == "" && !IsTTY() {
		q, err := readQuestion(os.Stdin)
		if err != nil {
			return err
		}
		query = q
	}
	if query == "" {
		return ErrMissingArgument("question", `ragchat ask "question"`)
	}

	app, err := NewApp(args)
	if err != nil {
		return err
	}
	defer app.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	live := !args.JSON && IsStdoutTTY()
	return runAsk(ctx, app, query, args, live, os.Stdout)
}

// runAsk submits query and prints the result. With live set the answer is
// printed as it streams; otherwise it is printed once complete.
func runAsk(ctx context.Context, app *App, query string, args Args, live bool, out io.Writer) error {
	sess, err := app.Manager.Submit(ctx, query)
	if err != nil {
		if errors.Is(err, conversation.ErrEmptyQuestion) {
			return ErrMissingArgument("question", `ragchat ask "question"`)
		}
		return err
	}

	display := DisplayFromConfig(app.Config.UI, args.Quiet)
	r := NewRenderer(out, display)

	var res stream.Result
	if live {
		res = streamAnswer(app.Manager.Transcript(), sess, out)
		r.Footer(res)
	} else {
		res = sess.Wait()
	}

	if args.JSON {
		resp := NewJSONResponse("ask", askData(res, app.Manager.Token()))
		if err := answerErr(res); err != nil {
			resp.WithError(err)
			if werr := resp.Write(out); werr != nil {
				return werr
			}
			return alreadyReported(err)
		}
		return resp.Write(out)
	}

	if !live {
		r.Answer(res)
	}
	if !display.Quiet && res.State == stream.StateCompleted {
		if fu := app.Manager.FollowUps(); res.FollowUpsReceived && len(fu) > 0 {
			fmt.Fprintln(out)
			r.FollowUps(fu)
		}
	}
	return alreadyReported(answerErr(res))
}

// streamAnswer prints the answer text as it arrives and returns the result
// once the session ends.
func streamAnswer(tr *model.Transcript, sess *stream.Session, w io.Writer) stream.Result {
	p := &streamPrinter{w: w}
	id := sess.MessageID()
	for {
		changed := tr.Changed()
		msg, ok := tr.Get(id)
		if !ok {
			break
		}
		p.update(msg.Content)
		if !msg.IsStreaming {
			break
		}
		select {
		case <-changed:
		case <-sess.Done():
		}
	}
	res := sess.Wait()
	p.update(res.Text)
	p.finish()
	return res
}

// answerErr converts a non-completed result into an error.
func answerErr(res stream.Result) error {
	if res.State == stream.StateCompleted {
		return nil
	}
	return &AnswerError{State: res.State.String(), Notice: res.Notice, Err: res.Err}
}

func askData(res stream.Result, token string) AskData {
	data := AskData{
		MessageID:      res.MessageID,
		State:          res.State.String(),
		Text:           res.Text,
		Notice:         res.Notice,
		Sources:        res.Sources,
		FollowUps:      res.FollowUps,
		ConversationID: token,
		TTFTMs:         res.Stats.TTFT.Milliseconds(),
		DurationMs:     res.Stats.TotalDuration.Milliseconds(),
	}
	if data.Sources == nil {
		data.Sources = []model.Source{}
	}
	if data.FollowUps == nil {
		data.FollowUps = []string{}
	}
	if res.State == stream.StateCompleted {
		c := res.Confidence
		data.Confidence = &c
		data.Tier = res.Tier.String()
	}
	return data
}

// readQuestion reads a piped question.
func readQuestion(r io.Reader) (string, error) {
	data, err := io.ReadAll(io.LimitReader(bufio.NewReader(r), maxStdinQuestion))
	if err != nil {
		return "", fmt.Errorf("failed to read question from stdin: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}
