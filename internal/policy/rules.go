package policy

// DefaultRules returns the built-in blocklist. Order is significant: the first match
// supplies the reason.
func DefaultRules() []Rule {
	return []Rule{
		{Pattern: `\brm\s+(-[a-zA-Z]+\s+)*(--\s+)?/(\*|\s|$)`, Regex: true, Reason: "deleting the root filesystem is not allowed"},
		{Pattern: `--no-preserve-root`, Reason: "deleting the root filesystem is not allowed"},
		{Pattern: `\brm\s+(-[a-zA-Z]+\s+)*-[a-zA-Z]*([rR][a-zA-Z]*f|f[a-zA-Z]*[rR])`, Regex: true, Reason: "forced recursive delete is not allowed"},
		{Pattern: `\brm\s+(.*\s)?(-[a-zA-Z]*[rR][a-zA-Z]*|--recursive)(\s|$)`, Regex: true, Reason: "recursive delete is not allowed"},
		{Pattern: `:\s*\(\s*\)\s*\{[^}]*:\s*\|\s*:`, Regex: true, Reason: "fork bomb detected"},
		{Pattern: `\bmkfs(\.[a-z0-9]+)?\b`, Regex: true, Reason: "formatting filesystems is not allowed"},
		{Pattern: `\b(fdisk|parted|wipefs|shred)\b`, Regex: true, Reason: "disk partitioning and wiping tools are not allowed"},
		{Pattern: `\bdd\b.*\bof=/dev/`, Regex: true, Reason: "writing raw block devices is not allowed"},
		{Pattern: `>\s*/dev/(sd|hd|vd|xvd|nvme|mmcblk|disk)`, Regex: true, Reason: "redirecting output to a block device is not allowed"},
		{Pattern: `\b(shutdown|reboot|halt|poweroff)\b`, Regex: true, Reason: "power management commands are not allowed"},
		{Pattern: `\binit\s+[06]\b`, Regex: true, Reason: "changing the runlevel is not allowed"},
		{Pattern: `\bkill\s+-(9|KILL|SIGKILL)\s+-1\b`, Regex: true, Reason: "killing all processes is not allowed"},
		{Pattern: `\bchmod\s+(-[a-zA-Z]+\s+)*0?777\s+/(\s|$)`, Regex: true, Reason: "world-writable root permissions are not allowed"},
		{Pattern: `\bchown\s+(-[a-zA-Z]+\s+)*\S+\s+/(\s|$)`, Regex: true, Reason: "changing ownership of the root filesystem is not allowed"},
		{Pattern: `\b(curl|wget)\b[^|]*\|\s*(sudo\s+)?(ba|z|da|k)?sh\b`, Regex: true, Reason: "piping remote scripts into a shell is not allowed"},
		{Pattern: `\bbase64\s+(-d|--decode)\b.*\|\s*(ba|z|da|k)?sh\b`, Regex: true, Reason: "executing decoded payloads is not allowed"},
		{Pattern: `\b(nc|ncat|netcat)\b.*\s-[a-zA-Z]*[ec]\b`, Regex: true, Reason: "reverse shells are not allowed"},
		{Pattern: `/dev/tcp/`, Reason: "raw network sockets are not allowed"},
		{Pattern: `/dev/udp/`, Reason: "raw network sockets are not allowed"},
		{Pattern: `/var/run/secrets/kubernetes.io/serviceaccount`, Reason: "reading service account credentials is not allowed"},
		{Pattern: `/run/secrets/kubernetes.io/serviceaccount`, Reason: "reading service account credentials is not allowed"},
		{Pattern: `/etc/shadow`, Reason: "reading password hashes is not allowed"},
		{Pattern: `\bkubectl\s+delete\b`, Regex: true, Reason: "deleting cluster resources is not allowed"},
		{Pattern: `\bhistory\s+-c\b`, Regex: true, Reason: "clearing shell history is not allowed"},
		{Pattern: `\b(insmod|rmmod|modprobe)\b`, Regex: true, Reason: "loading kernel modules is not allowed"},
		{Pattern: `\b(nsenter|chroot|unshare)\b`, Regex: true, Reason: "namespace escape tools are not allowed"},
		{Pattern: `\bcrontab\s+-r\b`, Regex: true, Reason: "removing crontabs is not allowed"},
		{Pattern: `(^|[\s;&|(])(sudo|su|doas)(\s|$)`, Regex: true, Reason: "privilege escalation is not allowed"},
		{Pattern: `\b(apt(-get)?\s+(remove|purge)|yum\s+(remove|erase)|apk\s+del)\b`, Regex: true, Reason: "removing system packages is not allowed"},
	}
}
