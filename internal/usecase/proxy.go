package usecase

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"

	"proxyd/internal/domain"
)

// ProxyUseCase はプロキシの主要なユースケースを実装
type ProxyUseCase struct {
	dialer  domain.Dialer
	metrics domain.MetricsCollector
	logger  domain.Logger
}

// NewProxyUseCase は新しいProxyUseCaseインスタンスを作成
func NewProxyUseCase(
	dialer domain.Dialer,
	metrics domain.MetricsCollector,
	logger domain.Logger,
) *ProxyUseCase {
	return &ProxyUseCase{
		dialer:  dialer,
		metrics: metrics,
		logger:  logger,
	}
}

// Dial は判定結果の上流に従って addr へ接続する
func (uc *ProxyUseCase) Dial(
	ctx context.Context, up *domain.UpstreamRule, addr string,
) (net.Conn, error) {
	conn, err := uc.dialer.DialTunnel(ctx, up, addr)
	if err != nil {
		uc.metrics.RecordError()
		return nil, &domain.ErrConnectionFailed{Host: addr, Err: err}
	}
	return conn, nil
}

// DialUpstream は上流プロキシそのものへ接続する
func (uc *ProxyUseCase) DialUpstream(
	ctx context.Context, up *domain.UpstreamRule,
) (net.Conn, error) {
	return uc.Dial(ctx, nil, up.Addr())
}

type closeWriter interface {
	CloseWrite() error
}

// HandleTunnel はクライアントとサーバーの間でバイト列を双方向に中継する.
// 片方向が終わると相手側の書き込みを閉じ、両方向が終わるかエラーで戻る.
func (uc *ProxyUseCase) HandleTunnel(
	ctx context.Context, clientConn, serverConn net.Conn,
) error {
	var wg sync.WaitGroup
	wg.Add(2)

	// エラーチャネル
	errc := make(chan error, 2)

	pipe := func(dst, src net.Conn, direction string) {
		defer wg.Done()
		buf := make([]byte, 32*1024) // 32KB buffer
		n, err := io.CopyBuffer(dst, src, buf)
		uc.metrics.AddBytesTransferred(n)
		if err != nil && !isConnectionClosed(err) {
			uc.logger.Debug("Relay copy failed", map[string]interface{}{
				"direction": direction,
				"bytes":     n,
				"error":     err.Error(),
			})
			errc <- err
		}
		// 送信側のコネクションをシャットダウン
		if cw, ok := dst.(closeWriter); ok {
			cw.CloseWrite()
		}
	}

	// クライアント → サーバー
	go pipe(serverConn, clientConn, "client->server")
	// サーバー → クライアント
	go pipe(clientConn, serverConn, "server->client")

	// ゴルーチンの完了を待つ
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	// エラーまたは完了を待つ
	select {
	case err := <-errc:
		return err
	case <-done:
		return nil
	}
}

// isConnectionClosed は接続が正常に閉じられたかを判断
func isConnectionClosed(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe)
}
