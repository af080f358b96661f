package main

// LoginHTML 登录页面
// 心跳监督器对该页面做内容完整性校验，所依赖的文本标记
// (标题、提示语、password 输入框、login-form) 不可随意改动
const LoginHTML = `<!DOCTYPE html>
<html lang="zh-CN">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>OpenAI代理服务 - 登录</title>
    <style>
        * { margin: 0; padding: 0; box-sizing: border-box; }
        body {
            font-family: -apple-system, 'Segoe UI', Roboto, sans-serif;
            background: linear-gradient(135deg, #667eea 0%, #764ba2 100%);
            min-height: 100vh; display: flex; align-items: center; justify-content: center;
        }
        .login-card {
            background: #fff; border-radius: 12px; padding: 40px;
            width: 360px; box-shadow: 0 20px 40px rgba(0,0,0,0.2);
        }
        .login-card h1 { font-size: 22px; margin-bottom: 8px; color: #333; }
        .login-card p { color: #888; font-size: 14px; margin-bottom: 24px; }
        .login-card input {
            width: 100%; padding: 12px; border: 1px solid #ddd;
            border-radius: 6px; margin-bottom: 16px; font-size: 14px;
        }
        .login-card button {
            width: 100%; padding: 12px; border: none; border-radius: 6px;
            background: #667eea; color: #fff; font-size: 15px; cursor: pointer;
        }
        .login-card button:hover { background: #5a6fd6; }
        .error { color: #e55; font-size: 13px; margin-bottom: 12px; display: none; }
    </style>
</head>
<body>
    <div class="login-card">
        <h1>OpenAI代理服务</h1>
        <p>请输入密码登录</p>
        <div class="error" id="error-msg"></div>
        <form id="login-form">
            <input type="password" id="password" name="password" placeholder="管理密码" required>
            <button type="submit">登录</button>
        </form>
    </div>
    <script>
        document.getElementById('login-form').addEventListener('submit', async (e) => {
            e.preventDefault();
            const resp = await fetch('/login', {
                method: 'POST',
                headers: {'Content-Type': 'application/json'},
                body: JSON.stringify({password: document.getElementById('password').value})
            });
            if (resp.ok) {
                window.location.href = '/dashboard';
            } else {
                const err = document.getElementById('error-msg');
                err.textContent = '密码错误';
                err.style.display = 'block';
            }
        });
    </script>
</body>
</html>`

// DashboardHTML 管理面板：Key概览 + 心跳状态实时推送
const DashboardHTML = `<!DOCTYPE html>
<html lang="zh-CN">
<head>
    <meta charset="UTF-8">
    <title>OpenAI代理服务 - 管理面板</title>
    <style>
        body { font-family: -apple-system, 'Segoe UI', Roboto, sans-serif; background: #f5f6fa; margin: 0; padding: 24px; }
        h1 { font-size: 20px; color: #333; }
        .card { background: #fff; border-radius: 8px; padding: 20px; margin-top: 16px; box-shadow: 0 2px 8px rgba(0,0,0,0.06); }
        table { width: 100%; border-collapse: collapse; font-size: 14px; }
        th, td { text-align: left; padding: 8px 12px; border-bottom: 1px solid #eee; }
        .ok { color: #2a9d4a; } .bad { color: #e55; }
    </style>
</head>
<body>
    <h1>OpenAI代理服务 管理面板</h1>
    <div class="card">
        <h2>Keys</h2>
        <table id="keys-table"><thead><tr>
            <th>ID</th><th>名称</th><th>Key</th><th>状态</th><th>使用次数</th>
        </tr></thead><tbody></tbody></table>
    </div>
    <div class="card">
        <h2>心跳状态</h2>
        <table id="hb-table"><thead><tr>
            <th>端点</th><th>健康</th><th>失败次数</th><th>延迟</th>
        </tr></thead><tbody></tbody></table>
    </div>
    <script>
        async function loadKeys() {
            const resp = await fetch('/admin/keys');
            if (!resp.ok) { window.location.href = '/login'; return; }
            const result = await resp.json();
            const tbody = document.querySelector('#keys-table tbody');
            tbody.innerHTML = (result.data || []).map(k =>
                '<tr><td>' + k.id + '</td><td>' + (k.name || '-') + '</td><td>' + k.key_value +
                '</td><td>' + k.status + '</td><td>' + k.usage_count + '</td></tr>').join('');
        }
        function watchHeartbeat() {
            const proto = location.protocol === 'https:' ? 'wss://' : 'ws://';
            const ws = new WebSocket(proto + location.host + '/admin/heartbeat/ws');
            ws.onmessage = (e) => {
                const status = JSON.parse(e.data);
                const tbody = document.querySelector('#hb-table tbody');
                // 服务端推送 {type, running, services, timestamp}，端点状态在 services 里
                tbody.innerHTML = Object.entries(status.services || {}).map(([name, s]) =>
                    '<tr><td>' + s.description + '</td><td class="' + (s.healthy ? 'ok' : 'bad') + '">' +
                    (s.healthy ? '正常' : '异常') + '</td><td>' + s.failure_count + '</td><td>' +
                    (s.response_time * 1000).toFixed(0) + 'ms</td></tr>').join('');
            };
            ws.onclose = () => setTimeout(watchHeartbeat, 3000);
        }
        loadKeys();
        watchHeartbeat();
    </script>
</body>
</html>`
