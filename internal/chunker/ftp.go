// FTP transport for the Chunked Downloader. No corpus example repo imports
// an FTP client library (see DESIGN.md), so this is built directly on
// net/textproto + net, following the REST/PASV/SIZE subset spec.md §4.3
// requires ("FTP SIZE is available" substitutes for Accept-Ranges; REST is
// FTP's always-on byte-range primitive).
package chunker

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"

	"tachyon/internal/bandwidth"
)

type ftpConn struct {
	text *textproto.Conn
	conn net.Conn
}

func dialFTP(ctx context.Context, u *url.URL) (*ftpConn, error) {
	host := u.Host
	if u.Port() == "" {
		host = net.JoinHostPort(u.Hostname(), "21")
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", host)
	if err != nil {
		return nil, err
	}

	text := textproto.NewConn(conn)
	if _, _, err := text.ReadResponse(2); err != nil {
		conn.Close()
		return nil, err
	}

	user := "anonymous"
	pass := "anonymous@"
	if u.User != nil {
		user = u.User.Username()
		if p, ok := u.User.Password(); ok {
			pass = p
		}
	}

	if err := text.PrintfLine("USER %s", user); err != nil {
		conn.Close()
		return nil, err
	}
	if _, _, err := text.ReadResponse(3); err != nil {
		conn.Close()
		return nil, err
	}
	if err := text.PrintfLine("PASS %s", pass); err != nil {
		conn.Close()
		return nil, err
	}
	if _, _, err := text.ReadResponse(2); err != nil {
		conn.Close()
		return nil, err
	}

	text.PrintfLine("TYPE I")
	text.ReadResponse(2)

	return &ftpConn{text: text, conn: conn}, nil
}

func (f *ftpConn) Close() {
	f.text.PrintfLine("QUIT")
	f.conn.Close()
}

// SizeFTP issues SIZE to determine total size, used in place of an
// Accept-Ranges probe (spec.md §4.3: "or an FTP SIZE is available").
func SizeFTP(ctx context.Context, rawURL string) (int64, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return 0, err
	}
	conn, err := dialFTP(ctx, u)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	if err := conn.text.PrintfLine("SIZE %s", u.Path); err != nil {
		return 0, err
	}
	_, msg, err := conn.text.ReadResponse(2)
	if err != nil {
		return 0, err
	}
	parts := strings.Fields(msg)
	if len(parts) < 1 {
		return 0, fmt.Errorf("malformed SIZE response: %q", msg)
	}
	return strconv.ParseInt(parts[len(parts)-1], 10, 64)
}

func (f *ftpConn) pasv(ctx context.Context) (net.Conn, error) {
	if err := f.text.PrintfLine("PASV"); err != nil {
		return nil, err
	}
	_, msg, err := f.text.ReadResponse(2)
	if err != nil {
		return nil, err
	}

	start := strings.Index(msg, "(")
	end := strings.Index(msg, ")")
	if start == -1 || end == -1 {
		return nil, fmt.Errorf("malformed PASV response: %q", msg)
	}
	parts := strings.Split(msg[start+1:end], ",")
	if len(parts) != 6 {
		return nil, fmt.Errorf("malformed PASV address: %q", msg)
	}
	ip := strings.Join(parts[:4], ".")
	p1, _ := strconv.Atoi(parts[4])
	p2, _ := strconv.Atoi(parts[5])
	port := p1*256 + p2

	var d net.Dialer
	return d.DialContext(ctx, "tcp", net.JoinHostPort(ip, strconv.Itoa(port)))
}

// FetchChunkFTP downloads a byte range over FTP: REST positions the data
// connection via PASV, then RETR streams until the expected byte count is
// read (spec.md §4.3 Per-chunk loop, same throttling contract as HTTP).
func FetchChunkFTP(ctx context.Context, rawURL string, rng Range, resumeFrom int64, w io.Writer, bucket *bandwidth.Bucket, priority int) (int64, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return 0, err
	}

	conn, err := dialFTP(ctx, u)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	data, err := conn.pasv(ctx)
	if err != nil {
		return 0, err
	}
	defer data.Close()

	start := rng.Start + resumeFrom
	if err := conn.text.PrintfLine("REST %d", start); err != nil {
		return 0, err
	}
	conn.text.ReadResponse(3)

	if err := conn.text.PrintfLine("RETR %s", u.Path); err != nil {
		return 0, err
	}
	if _, _, err := conn.text.ReadResponse(1); err != nil {
		return 0, err
	}

	var rangeSize int64 = -1
	if rng.End >= 0 {
		rangeSize = rng.End - rng.Start + 1
	}

	buf := make([]byte, bufferSize)
	reader := bufio.NewReader(data)
	var arrived int64 = resumeFrom
	var throttle SelfThrottle

	for {
		n, rerr := reader.Read(buf)
		if n > 0 {
			clipped, done := clipToRange(buf[:n], arrived, rangeSize)
			if len(clipped) > 0 {
				if _, werr := w.Write(clipped); werr != nil {
					return arrived, werr
				}
				arrived += int64(len(clipped))

				if bucket != nil {
					if err := bucket.Consume(ctx, len(clipped), priority); err != nil {
						return arrived, err
					}
				} else {
					time.Sleep(throttle.Next(len(clipped)))
				}
			}

			if done {
				// A non-last chunk's RETR has no end bound and streams
				// toward EOF (spec.md §4.3): once the expected range is
				// satisfied, stop reading and close the data connection
				// rather than draining the rest of the file.
				return arrived, nil
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return arrived, rerr
		}
	}

	conn.text.ReadResponse(2)
	return arrived, nil
}
