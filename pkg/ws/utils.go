package ws

import (
	"os"
	"strings"

	"github.com/google/uuid"
)

// generateClientID 生成客户端 ID
func generateClientID() string {
	return uuid.NewString()
}

// GenerateWorkerID 生成 worker ID：主机名前缀 + 随机后缀
func GenerateWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return host + "-" + strings.SplitN(uuid.NewString(), "-", 2)[0]
}

// stringSet 将切片转为集合，空切片返回 nil
func stringSet(items []string) map[string]struct{} {
	if len(items) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(items))
	for _, item := range items {
		set[item] = struct{}{}
	}
	return set
}
