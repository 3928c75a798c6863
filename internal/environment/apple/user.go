package apple

import (
	"context"
	"encoding/json"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
)

// defaultUID is used when the image user cannot be determined.
const defaultUID = "1000"

// runtimeUser is the numeric identity tools run as inside the container.
type runtimeUser struct {
	uid string
	gid string
}

func (u runtimeUser) isRoot() bool {
	return u.uid == "" || u.uid == "0"
}

func (u runtimeUser) owner() string {
	return u.uid + ":" + u.gid
}

// parseUserSpec splits "uid[:gid]". The group defaults to the user.
func parseUserSpec(spec string) runtimeUser {
	uid, gid, found := strings.Cut(strings.TrimSpace(spec), ":")
	if !found || gid == "" {
		gid = uid
	}
	return runtimeUser{uid: uid, gid: gid}
}

func isID(s string) bool {
	n, err := strconv.Atoi(s)
	return err == nil && n >= 0
}

// detectUser picks the identity for exec: override, then the image's
// configured user, then `id` inside the container, then defaultUID.
func (e *Environment) detectUser(ctx context.Context, override string) runtimeUser {
	if override != "" {
		u := parseUserSpec(override)
		slog.Debug("using configured runtime user", "uid", u.uid, "gid", u.gid)
		return u
	}

	if u, ok := e.userFromInspect(ctx); ok {
		return u
	}
	if u, ok := e.userFromID(ctx, ""); ok {
		return u
	}

	slog.Warn("could not detect runtime user", "container_id", e.containerID, "default_uid", defaultUID)
	return runtimeUser{uid: defaultUID, gid: defaultUID}
}

func (e *Environment) userFromInspect(ctx context.Context) (runtimeUser, bool) {
	out, err := exec.CommandContext(ctx, e.binary, "inspect", e.containerID).Output()
	if err != nil {
		slog.Debug("container inspect failed", "error", err)
		return runtimeUser{}, false
	}

	var inspect []struct {
		Config struct {
			User string `json:"User"`
		} `json:"Config"`
	}
	if err := json.Unmarshal(out, &inspect); err != nil || len(inspect) == 0 {
		slog.Debug("failed to parse inspect output", "error", err)
		return runtimeUser{}, false
	}

	spec := inspect[0].Config.User
	if spec == "" {
		return runtimeUser{uid: "0", gid: "0"}, true
	}

	u := parseUserSpec(spec)
	if !isID(u.uid) {
		// Named user: let the container's passwd database resolve it.
		return e.userFromID(ctx, u.uid)
	}
	if !isID(u.gid) {
		u.gid = u.uid
	}
	slog.Debug("detected runtime user from inspect", "uid", u.uid, "gid", u.gid)
	return u, true
}

// userFromID runs `id` for name, or for the container's default user when name is empty.
func (e *Environment) userFromID(ctx context.Context, name string) (runtimeUser, bool) {
	id := func(flag string) string {
		args := []string{"exec", e.containerID, "id", flag}
		if name != "" {
			args = append(args, name)
		}
		out, err := exec.CommandContext(ctx, e.binary, args...).Output()
		if err != nil {
			return ""
		}
		return strings.TrimSpace(string(out))
	}

	uid := id("-u")
	if !isID(uid) {
		return runtimeUser{}, false
	}
	gid := id("-g")
	if !isID(gid) {
		gid = uid
	}
	slog.Debug("detected runtime user from id", "uid", uid, "gid", gid, "name", name)
	return runtimeUser{uid: uid, gid: gid}, true
}
