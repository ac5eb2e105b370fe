package chat

import (
	"context"
	"errors"
	"sync"

	"github.com/MarkoPoloResearchLab/chatledger/internal/metering"
	"github.com/MarkoPoloResearchLab/chatledger/pkg/ledger"
)

const (
	testUserID   = "alice"
	testThreadID = "thread-1"
)

var errStubPipeline = errors.New("stub pipeline failure")

type scriptedStream struct {
	chunks    []string
	next      int
	failAt    int
	failFirst bool
	perChunk  TokenUsage
	input     int64
	citations []Citation
	closed    bool
	// onYield runs after a chunk is returned.
	onYield func(index int)
}

func (stream *scriptedStream) Next(ctx context.Context) (string, bool, error) {
	if stream.failFirst || (stream.failAt > 0 && stream.next == stream.failAt) {
		return "", false, errStubPipeline
	}
	if stream.next >= len(stream.chunks) {
		return "", false, nil
	}
	chunk := stream.chunks[stream.next]
	stream.next++
	if stream.onYield != nil {
		stream.onYield(stream.next)
	}
	return chunk, true, nil
}

func (stream *scriptedStream) Usage() TokenUsage {
	return TokenUsage{InputTokens: stream.input, OutputTokens: stream.perChunk.OutputTokens * int64(stream.next)}
}

func (stream *scriptedStream) Citations() []Citation {
	return stream.citations
}

func (stream *scriptedStream) Close() error {
	stream.closed = true
	return nil
}

type stubPipeline struct {
	stream    Stream
	err       error
	questions []Question
}

func (pipeline *stubPipeline) Open(ctx context.Context, question Question) (Stream, error) {
	pipeline.questions = append(pipeline.questions, question)
	if pipeline.err != nil {
		return nil, pipeline.err
	}
	return pipeline.stream, nil
}

type stubUsers struct {
	balances map[string]ledger.Micros
	err      error
}

func (users *stubUsers) GetUser(ctx context.Context, userID ledger.UserID) (ledger.User, error) {
	if users.err != nil {
		return ledger.User{}, users.err
	}
	balance, ok := users.balances[userID.String()]
	if !ok {
		return ledger.User{}, ledger.ErrUnknownUser
	}
	return ledger.User{Identifier: userID, Balance: balance}, nil
}

type stubBiller struct {
	mutex   sync.Mutex
	calls   []metering.Usage
	ctxErrs []error
	bill    metering.Bill
	err     error
}

func (biller *stubBiller) BillTurn(ctx context.Context, userID ledger.UserID, threadID ledger.ThreadID, usage metering.Usage) (metering.Bill, error) {
	biller.mutex.Lock()
	defer biller.mutex.Unlock()
	biller.calls = append(biller.calls, usage)
	biller.ctxErrs = append(biller.ctxErrs, ctx.Err())
	if biller.err != nil {
		return metering.Bill{}, biller.err
	}
	return biller.bill, nil
}

func (biller *stubBiller) snapshot() []metering.Usage {
	biller.mutex.Lock()
	defer biller.mutex.Unlock()
	return append([]metering.Usage(nil), biller.calls...)
}

type stubThreads struct {
	threads map[string]ledger.Thread
	err     error
}

func (threads *stubThreads) Thread(ctx context.Context, threadID ledger.ThreadID) (ledger.Thread, error) {
	if threads.err != nil {
		return ledger.Thread{}, threads.err
	}
	thread, ok := threads.threads[threadID.String()]
	if !ok {
		return ledger.Thread{}, ledger.ErrUnknownThread
	}
	return thread, nil
}

func mustUserID(raw string) ledger.UserID {
	userID, err := ledger.NewUserID(raw)
	if err != nil {
		panic(err)
	}
	return userID
}

func mustThreadID(raw string) ledger.ThreadID {
	threadID, err := ledger.NewThreadID(raw)
	if err != nil {
		panic(err)
	}
	return threadID
}

func testTurn() Turn {
	return Turn{UserID: mustUserID(testUserID), ThreadID: mustThreadID(testThreadID), Question: "what is the tariff?"}
}
