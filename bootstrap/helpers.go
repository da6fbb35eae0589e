package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"

	"smarthouse/storage"
)

// ClassifyConnectionError provides specific error messages based on the type of connection failure.
func ClassifyConnectionError(err error, addr string) string {
	if err == nil {
		return ""
	}

	errStr := strings.ToLower(err.Error())

	if storage.IsAuthenticationError(err) {
		return fmt.Sprintf("Authentication failed for MongoDB at %s.\n"+
			"  The server rejected the admin credential.\n"+
			"  Remediation:\n"+
			"  - Verify mongodb.username and mongodb.password in config.yaml\n"+
			"  - Check SMARTHOUSE_MONGODB_USERNAME/SMARTHOUSE_MONGODB_PASSWORD or MONGO_USERNAME/MONGO_PASSWORD env vars\n"+
			"  - Verify the user is defined on the admin database (mongodb.admin_database)\n"+
			"  - For Docker: credentials come from MONGO_INITDB_ROOT_USERNAME/MONGO_INITDB_ROOT_PASSWORD on first start only", addr)
	}

	var opErr *net.OpError
	if (errors.As(err, &opErr) && opErr.Op == "dial" && errors.Is(opErr.Err, syscall.ECONNREFUSED)) ||
		strings.Contains(errStr, "connection refused") || strings.Contains(errStr, "actively refused") {
		return fmt.Sprintf("Connection refused by MongoDB at %s.\n"+
			"  This usually means MongoDB is not running.\n"+
			"  Remediation:\n"+
			"  - Start MongoDB: docker compose up -d mongo\n"+
			"  - Check MongoDB logs: docker compose logs mongo\n"+
			"  - Verify mongodb.host and mongodb.port in config.yaml", addr)
	}

	if strings.Contains(errStr, "no such host") || strings.Contains(errStr, "lookup") {
		return fmt.Sprintf("Cannot resolve hostname in MongoDB address %s.\n"+
			"  Remediation:\n"+
			"  - Verify the hostname is correct\n"+
			"  - Check DNS configuration\n"+
			"  - Try using IP address (127.0.0.1) instead of hostname", addr)
	}

	var netErr net.Error
	if (errors.As(err, &netErr) && netErr.Timeout()) ||
		errors.Is(err, context.DeadlineExceeded) ||
		strings.Contains(errStr, "server selection") || strings.Contains(errStr, "timed out") {
		return fmt.Sprintf("Connection to MongoDB at %s timed out.\n"+
			"  Possible causes:\n"+
			"  - MongoDB is starting up (wait and retry)\n"+
			"  - Network latency or firewall blocking the connection\n"+
			"  - A replica set URI naming members that are unreachable from here\n"+
			"  Remediation:\n"+
			"  - Check if MongoDB is running: docker ps | grep mongo\n"+
			"  - Increase mongodb.connect_timeout or mongodb.connect_retries", addr)
	}

	return fmt.Sprintf("Failed to connect to MongoDB at %s: %v\n"+
		"  Remediation:\n"+
		"  - Ensure MongoDB is running and accessible\n"+
		"  - Check config.yaml mongodb.host / mongodb.uri settings\n"+
		"  - Verify network connectivity", addr, err)
}
