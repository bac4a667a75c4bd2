package Adhoc

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"PotholeDetServer/logger"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const TimeOutSeconds = 5

type RegisterRequest struct {
	Id        string `json:"id"`
	IP        string `json:"ip"`
	Port      int    `json:"port"`
	HTTPPort  int    `json:"httpPort"`
	Backend   string `json:"backend"`
	UseGPU    bool   `json:"useGPU"`
	TimeStamp int64  `json:"timestamp"`
}

type RegisterResponse struct {
	Id      string `json:"id"`
	Success bool   `json:"success"`
}

type RegServerConfig struct {
	Port int
	Addr string
	// Interval between heartbeats, TimeOutSeconds when zero.
	Interval time.Duration
}

func (reg *RegServerConfig) SetAddress(addr string, port int) {
	reg.Addr = addr
	reg.Port = port
}

// Node describes this instance to the registry.
type Node struct {
	IP       string
	RPCPort  int
	HTTPPort int
	Backend  string
	UseGPU   bool
}

func GetOutboundIP() (string, error) {
	// 8.8.8.8 是 Google DNS，这里只是为了建立路由路径得到本地出口 IP
	// 实际并没有真正的物理连接，所以不需要联网也可以（只要有路由表）
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", err
	}
	defer conn.Close()

	localAddr := conn.LocalAddr().(*net.UDPAddr)
	return localAddr.IP.String(), nil
}

// SendAliveMessage registers node with the registry server and repeats the
// registration every interval until ctx is done.
func SendAliveMessage(ctx context.Context, reg RegServerConfig, node Node, wg *sync.WaitGroup) {
	defer wg.Done()
	log := logger.Named("adhoc")
	interval := reg.Interval
	if interval <= 0 {
		interval = TimeOutSeconds * time.Second
	}
	url := fmt.Sprintf("http://%s:%d/api/register", reg.Addr, reg.Port)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	client := resty.New().SetTimeout(TimeOutSeconds * time.Second) // 总超时
	id := uuid.NewString()

	safeDoRequest := func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error("SendAliveMessage panic recovered", zap.Any("panic", r))
			}
		}()
		var respBody RegisterResponse
		reqBody := RegisterRequest{
			Id:        id,
			IP:        node.IP,
			Port:      node.RPCPort,
			HTTPPort:  node.HTTPPort,
			Backend:   node.Backend,
			UseGPU:    node.UseGPU,
			TimeStamp: time.Now().Unix(),
		}
		resp, err := client.R().
			SetContext(ctx).
			SetHeader("Content-Type", "application/json").
			SetBody(reqBody).     // 可以直接传 struct，resty 会 JSON 编码
			SetResult(&respBody). // 2xx 自动反序列化到 respBody
			Post(url)
		if err != nil {
			if ctx.Err() == nil {
				log.Error("register request error", zap.String("url", url), zap.Error(err))
			}
			return
		}
		// 检查 HTTP 状态码
		if resp.IsError() {
			log.Error("registry returned error", zap.String("status", resp.Status()), zap.String("body", resp.String()))
			return
		}
		if !respBody.Success {
			log.Warn("registry rejected registration", zap.String("id", id))
		}
	}

	safeDoRequest()
	for {
		select {
		case <-ctx.Done():
			log.Info("SendAliveMessage context cancelled, exiting goroutine.")
			return
		case <-ticker.C:
			safeDoRequest()
		}
	}
}
